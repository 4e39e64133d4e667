package main

import "golang.org/x/sys/unix"

const (
	getTermios = unix.TCGETS
	setTermios = unix.TCSETS
)

// enterRawMode puts fd into character-at-a-time, no-echo mode for
// single-step interaction and returns a function that restores the
// previous terminal settings.
func enterRawMode(fd uintptr) (restore func(), err error) {
	saved, err := unix.IoctlGetTermios(int(fd), getTermios)
	if err != nil {
		return nil, err
	}

	raw := *saved
	raw.Lflag &^= unix.ECHO | unix.ICANON
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(int(fd), setTermios, &raw); err != nil {
		return nil, err
	}

	return func() {
		unix.IoctlSetTermios(int(fd), setTermios, saved)
	}, nil
}
