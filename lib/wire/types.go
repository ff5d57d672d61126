// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package wire

import (
	"fmt"
	"net/netip"
)

// File is one shared file as carried in search and browse responses.
type File struct {
	Code       uint8
	Filename   string
	Size       uint64
	Extension  string
	Attributes []FileAttribute
}

func (f File) String() string {
	return fmt.Sprintf("File{%q, %d bytes}", f.Filename, f.Size)
}

// FileAttribute is a typed numeric property of a file, such as bitrate or
// duration.
type FileAttribute struct {
	Type  uint32
	Value uint32
}

// Well known file attribute types.
const (
	AttributeBitRate      uint32 = 0
	AttributeLength       uint32 = 1
	AttributeVariableBits uint32 = 2
	AttributeSampleRate   uint32 = 4
	AttributeBitDepth     uint32 = 5
)

// Directory is a named list of files from a browse or folder contents
// response.
type Directory struct {
	Name  string
	Files []File
}

// UserInfo answers a peer info request.
type UserInfo struct {
	Description       string
	Picture           []byte
	UploadSlots       uint32
	QueueLength       uint32
	HasFreeUploadSlot bool
}

// UserAddress is the endpoint the server advertises for a user.
type UserAddress struct {
	IP   netip.Addr
	Port uint32
}

func (a UserAddress) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, uint16(a.Port))
}

// UserStatusCode is a user's presence as reported by the server.
type UserStatusCode uint32

const (
	UserStatusOffline UserStatusCode = 0
	UserStatusAway    UserStatusCode = 1
	UserStatusOnline  UserStatusCode = 2
)

func (s UserStatusCode) String() string {
	switch s {
	case UserStatusOffline:
		return "offline"
	case UserStatusAway:
		return "away"
	case UserStatusOnline:
		return "online"
	default:
		return "unknown"
	}
}

// UserStats is the statistics block carried in AddUser responses.
type UserStats struct {
	AverageSpeed   uint32
	UploadCount    uint64
	FileCount      uint32
	DirectoryCount uint32
}

// Room is a chat room name and member count from the room list. Receipt
// only; this client does not join rooms.
type Room struct {
	Name      string
	UserCount uint32
}

// SearchResponse is a remote user's answer to a search query.
type SearchResponse struct {
	Username        string
	Token           uint32
	Files           []File
	FreeUploadSlots uint8
	UploadSpeed     uint32
	QueueLength     uint64
}

// TransferDirection tags a transfer request. The value names the sender's
// role: a Download request asks the remote to send us a file.
type TransferDirection uint32

const (
	DirectionDownload TransferDirection = 0
	DirectionUpload   TransferDirection = 1
)

func (d TransferDirection) String() string {
	switch d {
	case DirectionDownload:
		return "download"
	case DirectionUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// NetInfoPeer is one parent candidate from a NetInfo message.
type NetInfoPeer struct {
	Username string
	IP       netip.Addr
	Port     uint32
}

func (p NetInfoPeer) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.IP, uint16(p.Port))
}

func writeFile(b *Builder, f File) {
	b.WriteUint8(f.Code)
	b.WriteString(f.Filename)
	b.WriteUint64(f.Size)
	b.WriteString(f.Extension)
	b.WriteUint32(uint32(len(f.Attributes)))
	for _, a := range f.Attributes {
		b.WriteUint32(a.Type)
		b.WriteUint32(a.Value)
	}
}

func readFile(r *Reader) File {
	f := File{
		Code:      r.ReadUint8(),
		Filename:  r.ReadString(),
		Size:      r.ReadUint64(),
		Extension: r.ReadString(),
	}
	n := int(r.ReadUint32())
	for i := 0; i < n && r.Err() == nil; i++ {
		f.Attributes = append(f.Attributes, FileAttribute{
			Type:  r.ReadUint32(),
			Value: r.ReadUint32(),
		})
	}
	return f
}

func writeDirectory(b *Builder, d Directory) {
	b.WriteString(d.Name)
	b.WriteUint32(uint32(len(d.Files)))
	for _, f := range d.Files {
		writeFile(b, f)
	}
}

func readDirectory(r *Reader) Directory {
	d := Directory{Name: r.ReadString()}
	n := int(r.ReadUint32())
	for i := 0; i < n && r.Err() == nil; i++ {
		d.Files = append(d.Files, readFile(r))
	}
	return d
}
