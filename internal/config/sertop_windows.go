//go:build windows

package config

// defaultSertopPath mirrors the original wrapper's compiled-in Windows
// install location for the sertop binary.
const defaultSertopPath = `C:\ProgramData\waterproof\vendor\opam\ocaml-variants.4.07.1+mingw64c\bin\sertop.exe`
