// Package hsm defines the interface the core calls through for
// PIN-translate and MAC operations (spec §1 "HSM... remain external
// collaborators reached only through narrow interfaces"). No concrete
// hardware-backed implementation ships here; Local is a deterministic
// test double.
package hsm
