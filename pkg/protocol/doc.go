// Package protocol defines the zephyrgroups wire format. A packet is a fixed
// envelope (version, type, group, sender, message id, fragment index/count)
// followed by a length-prefixed payload. Packets are decoded once at the
// receiver boundary into one of the Frame variants (Data, Ack, Announce,
// Leave, NetTimeSync) and handled with a type switch from there on.
//
// The package also owns the two bounded buffers the delivery engine needs on
// the inbound side: Reassembler, which stitches multi-packet messages back
// together, and SeenWindow, which remembers recently delivered messages so a
// resent packet is acknowledged again but never delivered twice.
package protocol
