package finsync

import "errors"

var (
	// ErrNoUser is returned when an operation requires an authenticated
	// user and none is signed in.
	ErrNoUser = errors.New("no authenticated user")

	// ErrOffline is returned when an operation requires connectivity and
	// the device is offline.
	ErrOffline = errors.New("network unavailable")

	// ErrInitializationRunning is returned when a bootstrap attempt is
	// requested while another one is still in flight.
	ErrInitializationRunning = errors.New("initialization already running")

	// ErrBatchTooLarge is returned by remote batch implementations when a
	// commit exceeds RemoteBatchLimit operations.
	ErrBatchTooLarge = errors.New("remote batch exceeds operation limit")

	// ErrClosed is returned by coordinator methods after Close.
	ErrClosed = errors.New("sync coordinator is closed")
)
