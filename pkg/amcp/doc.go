// Package amcp holds the AMCP command model: the verb registry, the line
// tokenizer, the parse state machine and reply formatting.
//
// A line has the shape
//
//	[/<SWITCH>] [REQ <id>] <VERB> [<TARGET>] <PARAM>...
//
// where TARGET is "<channel>[-<layer>]" with a 1-based channel. Parsing
// either yields a Command ready for a queue or a *ParseError whose Reply is
// the synchronous 400/401/402 answer.
package amcp
