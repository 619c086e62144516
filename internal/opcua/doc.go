// Package opcua dissects OPC UA Binary transport PDUs into field trees.
//
// Ownership boundary:
// - framing rule for the segment reassembler (Framer)
// - discriminator table and per-kind transport parse routines
// - MSG chunk handling on top of the chunk reassembler
// - service type id extraction used for summary labels
//
// Service bodies are not decoded; they are exposed as raw bytes for
// service-specific decoders to consume.
package opcua
