package router

import "errors"

var (
	ErrShortFrame       = errors.New("router: frame shorter than an ethernet header")
	ErrUnknownEthertype = errors.New("router: unhandled ethertype")
	ErrShortIPHeader    = errors.New("router: IPv4 header too short")
	ErrBadIPChecksum    = errors.New("router: IPv4 header checksum invalid")
	ErrNoRoute          = errors.New("router: no matching route")
	ErrUnknownInterface = errors.New("router: unknown interface")
	ErrInvalidConfig    = errors.New("router: invalid config")
)
