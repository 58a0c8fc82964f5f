// Package conda provides decoders for the documents published by conda
// package channels (repodata.json and HTML installer listings) and the
// checksum primitives used to verify downloaded files.
package conda
