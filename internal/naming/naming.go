// Package naming derives the storage name for an incoming upload.
package naming

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"strconv"
	"strings"
	"sync"
)

// ErrInvalidName is returned for names that are not a single safe path segment.
var ErrInvalidName = errors.New("invalid file name")

// MaxRandomSuffix bounds the integer part of a generated alternative name.
const MaxRandomSuffix = 100000

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Resolver picks final names. It is safe for concurrent use.
type Resolver struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewResolver returns a Resolver seeded from the runtime's random source.
func NewResolver() *Resolver {
	return &Resolver{rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeededResolver returns a Resolver with a fixed seed, for tests.
func NewSeededResolver(seed uint64) *Resolver {
	return &Resolver{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Resolve prefers requested, falls back to original, and swaps in one random
// alternative when exists reports the preferred name as taken. It does not
// retry; callers that need a guaranteed-free name reserve it and ask for
// another Alternative on conflict.
func (r *Resolver) Resolve(requested, original string, exists func(string) bool) string {
	name := requested
	if name == "" {
		name = original
	}
	if exists != nil && exists(name) {
		return r.Alternative(original)
	}
	return name
}

// Alternative returns a random letter, a random integer in [0, MaxRandomSuffix)
// and the extension of original, e.g. "k4821.txt".
func (r *Resolver) Alternative(original string) string {
	r.mu.Lock()
	letter := letters[r.rnd.IntN(len(letters))]
	n := r.rnd.IntN(MaxRandomSuffix)
	r.mu.Unlock()
	return string(letter) + strconv.Itoa(n) + "." + Extension(original)
}

// Extension returns the text after the last "." in name, or the whole name
// when it has no dot.
func Extension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Base reduces a client-supplied filename to its last path element. Both
// separators are honoured since browsers on Windows send backslashes.
func Base(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimRight(name, "/")
	if name == "" {
		return ""
	}
	return path.Base(name)
}

// Validate checks that name is usable as a single storage path segment.
func Validate(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a separator or NUL", ErrInvalidName, name)
	case len(name) > 255:
		return fmt.Errorf("%w: longer than 255 bytes", ErrInvalidName)
	}
	return nil
}
