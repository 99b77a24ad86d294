// Package canonical implements deterministic JSON (RFC 8785 style) and the
// HMAC-SHA256 tags computed over it.
//
// Two peers that marshal the same logical value always obtain the same bytes,
// so a tag computed by one side can be verified by the other.
package canonical
