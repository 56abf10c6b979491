// Package channels models the playout channels a server drives.
//
// A Channel holds layers (foreground and background clips, CG templates,
// mixer properties) and attached consumers. The Registry is the fixed,
// index-addressed set of channels built at startup; it implements
// amcp.Resolver so the parser can reject targets naming a channel that
// does not exist.
package channels
