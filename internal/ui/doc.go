// Package ui defines the message schema and delivery contract for the
// remote panel surface.
//
// The core never talks to the renderer directly. Every externally visible
// event (session lifecycle, terminal output, agent state, restore replay)
// is encoded as a Message and handed to a Sink. Delivery is fire-and-forget:
// a Sink implementation logs failures, it never returns them into the core.
package ui
