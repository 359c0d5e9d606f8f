// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// maxAncillaryFDs bounds how many auxiliary fds a single record may
// carry. The richest record (StreamConnectReply) carries two.
const maxAncillaryFDs = 4

// WriteFrameWithRights writes a pre-encoded frame over a unix-domain
// connection, attaching fds as an SCM_RIGHTS control message. Pass no
// fds for records that don't pass descriptors.
func WriteFrameWithRights(conn *net.UnixConn, frame []byte, fds ...int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return err
	}
	if n != len(frame) || oobn != len(oob) {
		return fmt.Errorf("protocol: short write (n=%d oobn=%d)", n, oobn)
	}
	return nil
}

// ReadFrameWithRights reads one magic-prefixed record plus any
// SCM_RIGHTS-carried fds from a unix-domain connection. wantFDs is the
// expected fd count for this record kind; a mismatch is
// ErrFDCountMismatch, a protocol violation per spec §7.
func ReadFrameWithRights(conn *net.UnixConn, wantFDs int) (Frame, error) {
	// The whole record is read in one call: on a seqpacket socket the
	// bytes of a record left unread by a receive are discarded.
	buf := make([]byte, 8+MaxFrameSize)
	oob := make([]byte, unix.CmsgSpace(maxAncillaryFDs*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Frame{}, err
	}
	if n < 8 {
		return Frame{}, ErrTruncatedFrame
	}
	hdr := buf[:8]

	var magic [4]byte
	copy(magic[:], hdr[0:4])
	length := beUint32(hdr[4:8])
	if length > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return Frame{}, err
	}
	if len(fds) != wantFDs {
		closeAll(fds)
		return Frame{}, ErrFDCountMismatch
	}

	if int(length) != n-8 {
		closeAll(fds)
		return Frame{}, ErrTruncatedFrame
	}
	payload := make([]byte, length)
	copy(payload, buf[8:n])

	return Frame{Magic: magic, Payload: payload, FDs: fds}, nil
}

// ReadAnyFrameWithRights reads one magic-prefixed record plus any
// SCM_RIGHTS-carried fds without asserting a specific fd count: the
// control socket multiplexes record kinds that carry zero, one, or two
// fds, so the caller validates the count against the decoded magic
// (see internal/control).
func ReadAnyFrameWithRights(conn *net.UnixConn) (Frame, error) {
	buf := make([]byte, 8+MaxFrameSize)
	oob := make([]byte, unix.CmsgSpace(maxAncillaryFDs*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Frame{}, err
	}
	if n < 8 {
		return Frame{}, ErrTruncatedFrame
	}
	hdr := buf[:8]

	var magic [4]byte
	copy(magic[:], hdr[0:4])
	length := beUint32(hdr[4:8])
	if length > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return Frame{}, err
	}

	if int(length) != n-8 {
		closeAll(fds)
		return Frame{}, ErrTruncatedFrame
	}
	payload := make([]byte, length)
	copy(payload, buf[8:n])

	return Frame{Magic: magic, Payload: payload, FDs: fds}, nil
}

func readFullUnix(conn *net.UnixConn, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if n > 0 {
			read += n
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("protocol: zero-length read mid-frame")
		}
	}
	return nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("protocol: parsing control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		parsed, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
