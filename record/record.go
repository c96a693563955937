// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
)

const (
	versionLen  = 1
	typeLen     = 2
	sizeLen     = 4
	checksumLen = 8

	headerLen = versionLen + typeLen + sizeLen

	versionIndex  = 0
	typeOffset    = versionIndex + versionLen
	sizeOffset    = typeOffset + typeLen
	payloadOffset = sizeOffset + sizeLen

	// A consensus record holds at most a proposal with its block payload.
	// Anything bigger than this is a corrupt length field.
	maxPayloadSize = 32_000_000
)

var ErrInvalidCRC = errors.New("invalid CRC checksum")

var crcTable = crc64.MakeTable(crc64.ECMA)

// Record is a single framed entry of the consensus write-ahead log.
// The on-disk layout is version, type, payload size, payload, and a
// CRC64 checksum over everything that precedes it.
type Record struct {
	Version uint8
	Type    uint16
	Payload []byte
}

func (r *Record) Bytes() []byte {
	payloadLen := len(r.Payload)
	buff := make([]byte, headerLen+payloadLen+checksumLen)

	buff[versionIndex] = r.Version
	binary.BigEndian.PutUint16(buff[typeOffset:], r.Type)
	binary.BigEndian.PutUint32(buff[sizeOffset:], uint32(payloadLen))
	copy(buff[payloadOffset:], r.Payload)

	crc := crc64.New(crcTable)
	checksumOffset := payloadOffset + payloadLen
	if _, err := crc.Write(buff[:checksumOffset]); err != nil {
		panic(fmt.Sprintf("CRC checksum failed: %v", err))
	}
	return crc.Sum(buff[:checksumOffset])
}

// FromBytes reads a single record from [in], returning the total number of
// bytes consumed. A record whose checksum does not match its content yields
// ErrInvalidCRC.
func (r *Record) FromBytes(in io.Reader) (int, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(in, header); err != nil {
		return 0, err
	}

	version := header[versionIndex]
	recType := binary.BigEndian.Uint16(header[typeOffset:])
	payloadLen := binary.BigEndian.Uint32(header[sizeOffset:])
	if payloadLen > maxPayloadSize {
		return 0, fmt.Errorf("record indicates payload is %d bytes long", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(in, payload); err != nil {
		return 0, err
	}

	checksum := make([]byte, checksumLen)
	if _, err := io.ReadFull(in, checksum); err != nil {
		return 0, err
	}

	crc := crc64.New(crcTable)
	if _, err := crc.Write(header); err != nil {
		return 0, fmt.Errorf("CRC checksum failed: %w", err)
	}
	if _, err := crc.Write(payload); err != nil {
		return 0, fmt.Errorf("CRC checksum failed: %w", err)
	}

	expectedChecksum := make([]byte, 0, checksumLen)
	expectedChecksum = crc.Sum(expectedChecksum)
	if !bytes.Equal(checksum, expectedChecksum) {
		return 0, ErrInvalidCRC
	}

	r.Version = version
	r.Type = recType
	r.Payload = payload

	return headerLen + len(payload) + checksumLen, nil
}
