// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package wire

// Message structs for distributed (branch) connections.

type DistributedPingMessage struct{}

func (DistributedPingMessage) Encode() []byte {
	return NewDistributedBuilder(DistributedPing).Build()
}

// DistributedSearchRequestMessage is a search query propagating down the
// branch tree.
type DistributedSearchRequestMessage struct {
	Unknown  uint32
	Username string
	Token    uint32
	Query    string
}

func (m DistributedSearchRequestMessage) Encode() []byte {
	return NewDistributedBuilder(DistributedSearchRequest).
		WriteUint32(m.Unknown).
		WriteString(m.Username).
		WriteUint32(m.Token).
		WriteString(m.Query).
		Build()
}

func DecodeDistributedSearchRequest(frame []byte) (DistributedSearchRequestMessage, error) {
	r := NewReader(frame)
	if err := r.ExpectDistributed(DistributedSearchRequest); err != nil {
		return DistributedSearchRequestMessage{}, err
	}
	m := DistributedSearchRequestMessage{
		Unknown:  r.ReadUint32(),
		Username: r.ReadString(),
		Token:    r.ReadUint32(),
		Query:    r.ReadString(),
	}
	return m, r.Err()
}

// DecodeDistributedServerSearchRequest handles the server variant of the
// search request appearing in-band on a distributed connection. It is
// repackaged as a plain search request before any forwarding.
func DecodeDistributedServerSearchRequest(frame []byte) (DistributedSearchRequestMessage, error) {
	r := NewReader(frame)
	if err := r.ExpectDistributed(DistributedServerSearchRequest); err != nil {
		return DistributedSearchRequestMessage{}, err
	}
	m := DistributedSearchRequestMessage{
		Unknown:  r.ReadUint32(),
		Username: r.ReadString(),
		Token:    r.ReadUint32(),
		Query:    r.ReadString(),
	}
	return m, r.Err()
}

type DistributedBranchLevelMessage struct {
	Level uint32
}

func (m DistributedBranchLevelMessage) Encode() []byte {
	return NewDistributedBuilder(DistributedBranchLevel).WriteUint32(m.Level).Build()
}

func DecodeDistributedBranchLevel(frame []byte) (DistributedBranchLevelMessage, error) {
	r := NewReader(frame)
	if err := r.ExpectDistributed(DistributedBranchLevel); err != nil {
		return DistributedBranchLevelMessage{}, err
	}
	return DistributedBranchLevelMessage{Level: r.ReadUint32()}, r.Err()
}

type DistributedBranchRootMessage struct {
	Root string
}

func (m DistributedBranchRootMessage) Encode() []byte {
	return NewDistributedBuilder(DistributedBranchRoot).WriteString(m.Root).Build()
}

func DecodeDistributedBranchRoot(frame []byte) (DistributedBranchRootMessage, error) {
	r := NewReader(frame)
	if err := r.ExpectDistributed(DistributedBranchRoot); err != nil {
		return DistributedBranchRootMessage{}, err
	}
	return DistributedBranchRootMessage{Root: r.ReadString()}, r.Err()
}

type DistributedChildDepthMessage struct {
	Depth uint32
}

func (m DistributedChildDepthMessage) Encode() []byte {
	return NewDistributedBuilder(DistributedChildDepth).WriteUint32(m.Depth).Build()
}

func DecodeDistributedChildDepth(frame []byte) (DistributedChildDepthMessage, error) {
	r := NewReader(frame)
	if err := r.ExpectDistributed(DistributedChildDepth); err != nil {
		return DistributedChildDepthMessage{}, err
	}
	return DistributedChildDepthMessage{Depth: r.ReadUint32()}, r.Err()
}
