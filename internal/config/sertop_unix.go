//go:build !windows

package config

// defaultSertopPath mirrors the original wrapper's compiled-in POSIX
// install location for the sertop binary.
const defaultSertopPath = "/opt/waterproof/vendor/opam/default/bin/sertop"
