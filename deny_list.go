package main

import "github.com/brandur/passdrop/internal/pdkey"

// DenyList holds passcodes that an operator has taken down. Requests for them
// are rejected before touching storage.
type DenyList interface {
	Contains(passcode string) bool
}

// MemoryDenyList keeps slot keys rather than the passcodes themselves so that
// the list's contents aren't sitting around in plain text.
type MemoryDenyList struct {
	denied map[string]struct{}
}

func NewMemoryDenyList(passcodes ...string) *MemoryDenyList {
	denied := make(map[string]struct{}, len(passcodes))
	for _, passcode := range passcodes {
		denied[pdkey.FromPasscode(passcode)] = struct{}{}
	}

	return &MemoryDenyList{denied: denied}
}

func (l *MemoryDenyList) Contains(passcode string) bool {
	_, ok := l.denied[pdkey.FromPasscode(passcode)]
	return ok
}

func (l *MemoryDenyList) Len() int {
	return len(l.denied)
}
