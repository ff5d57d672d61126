// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package wire

// Message structs for peer connections, plus the two single byte
// initialization messages exchanged when a connection is first established.

// PeerInit is the first frame on a directly dialed connection, naming the
// dialer and the intended connection type.
type PeerInit struct {
	Username string
	Type     ConnectionType
	Token    uint32
}

func (m PeerInit) Encode() []byte {
	return NewInitBuilder(InitPeerInit).
		WriteString(m.Username).
		WriteString(string(m.Type)).
		WriteUint32(m.Token).
		Build()
}

func DecodePeerInit(frame []byte) (PeerInit, error) {
	r := NewReader(frame)
	if code := InitCode(r.ReadUint8()); r.Err() == nil && code != InitPeerInit {
		return PeerInit{}, &CodeMismatchError{Expected: uint32(InitPeerInit), Got: uint32(code)}
	}
	m := PeerInit{
		Username: r.ReadString(),
		Type:     ConnectionType(r.ReadString()),
		Token:    r.ReadUint32(),
	}
	return m, r.Err()
}

// PierceFirewall is the first frame on a connection established in answer
// to a ConnectToPeer solicitation.
type PierceFirewall struct {
	Token uint32
}

func (m PierceFirewall) Encode() []byte {
	return NewInitBuilder(InitPierceFirewall).WriteUint32(m.Token).Build()
}

func DecodePierceFirewall(frame []byte) (PierceFirewall, error) {
	r := NewReader(frame)
	if code := InitCode(r.ReadUint8()); r.Err() == nil && code != InitPierceFirewall {
		return PierceFirewall{}, &CodeMismatchError{Expected: uint32(InitPierceFirewall), Got: uint32(code)}
	}
	return PierceFirewall{Token: r.ReadUint32()}, r.Err()
}

// PeekInitCode returns the code of an initialization frame without
// consuming it.
func PeekInitCode(frame []byte) (InitCode, error) {
	r := NewReader(frame)
	code := InitCode(r.ReadUint8())
	return code, r.Err()
}

type BrowseRequest struct{}

func (BrowseRequest) Encode() []byte {
	return NewPeerBuilder(PeerBrowseRequest).Build()
}

// BrowseResponse is the full shared file tree. The payload after the code
// is zlib compressed on the wire.
type BrowseResponse struct {
	Directories []Directory
}

func (m BrowseResponse) Encode() []byte {
	body := &Builder{}
	body.WriteUint32(uint32(len(m.Directories)))
	for _, d := range m.Directories {
		writeDirectory(body, d)
	}
	return NewPeerBuilder(PeerBrowseResponse).WriteBytes(deflate(body.buf)).Build()
}

func DecodeBrowseResponse(frame []byte) (BrowseResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerBrowseResponse); err != nil {
		return BrowseResponse{}, err
	}
	if err := r.Decompress(); err != nil {
		return BrowseResponse{}, err
	}
	var m BrowseResponse
	n := int(r.ReadUint32())
	for i := 0; i < n && r.Err() == nil; i++ {
		m.Directories = append(m.Directories, readDirectory(r))
	}
	return m, r.Err()
}

type InfoRequest struct{}

func (InfoRequest) Encode() []byte {
	return NewPeerBuilder(PeerInfoRequest).Build()
}

type InfoResponse struct {
	UserInfo
}

func (m InfoResponse) Encode() []byte {
	b := NewPeerBuilder(PeerInfoResponse).WriteString(m.Description)
	if len(m.Picture) > 0 {
		b.WriteBool(true)
		b.WriteUint32(uint32(len(m.Picture)))
		b.WriteBytes(m.Picture)
	} else {
		b.WriteBool(false)
	}
	return b.WriteUint32(m.UploadSlots).
		WriteUint32(m.QueueLength).
		WriteBool(m.HasFreeUploadSlot).
		Build()
}

func DecodeInfoResponse(frame []byte) (InfoResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerInfoResponse); err != nil {
		return InfoResponse{}, err
	}
	var m InfoResponse
	m.Description = r.ReadString()
	if r.ReadBool() {
		m.Picture = r.ReadBytes(int(r.ReadUint32()))
	}
	m.UploadSlots = r.ReadUint32()
	m.QueueLength = r.ReadUint32()
	m.HasFreeUploadSlot = r.ReadBool()
	return m, r.Err()
}

// PeerSearchRequestMessage is a search query sent directly to a peer. Rare
// on the modern network, which distributes queries through the tree, but
// still answered.
type PeerSearchRequestMessage struct {
	Token uint32
	Query string
}

func (m PeerSearchRequestMessage) Encode() []byte {
	return NewPeerBuilder(PeerSearchRequest).
		WriteUint32(m.Token).
		WriteString(m.Query).
		Build()
}

func DecodePeerSearchRequest(frame []byte) (PeerSearchRequestMessage, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerSearchRequest); err != nil {
		return PeerSearchRequestMessage{}, err
	}
	m := PeerSearchRequestMessage{
		Token: r.ReadUint32(),
		Query: r.ReadString(),
	}
	return m, r.Err()
}

// Encode emits the compressed search response frame.
func (m SearchResponse) Encode() []byte {
	body := &Builder{}
	body.WriteString(m.Username)
	body.WriteUint32(m.Token)
	body.WriteUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		writeFile(body, f)
	}
	body.WriteUint8(m.FreeUploadSlots)
	body.WriteUint32(m.UploadSpeed)
	body.WriteUint64(m.QueueLength)
	return NewPeerBuilder(PeerSearchResponse).WriteBytes(deflate(body.buf)).Build()
}

func DecodeSearchResponse(frame []byte) (SearchResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerSearchResponse); err != nil {
		return SearchResponse{}, err
	}
	if err := r.Decompress(); err != nil {
		return SearchResponse{}, err
	}
	var m SearchResponse
	m.Username = r.ReadString()
	m.Token = r.ReadUint32()
	n := int(r.ReadUint32())
	for i := 0; i < n && r.Err() == nil; i++ {
		m.Files = append(m.Files, readFile(r))
	}
	m.FreeUploadSlots = r.ReadUint8()
	m.UploadSpeed = r.ReadUint32()
	m.QueueLength = r.ReadUint64()
	return m, r.Err()
}

type FolderContentsRequest struct {
	Token  uint32
	Folder string
}

func (m FolderContentsRequest) Encode() []byte {
	return NewPeerBuilder(PeerFolderContentsRequest).
		WriteUint32(m.Token).
		WriteString(m.Folder).
		Build()
}

func DecodeFolderContentsRequest(frame []byte) (FolderContentsRequest, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerFolderContentsRequest); err != nil {
		return FolderContentsRequest{}, err
	}
	m := FolderContentsRequest{
		Token:  r.ReadUint32(),
		Folder: r.ReadString(),
	}
	return m, r.Err()
}

// FolderContentsResponse carries a single directory listing, compressed
// like a browse response.
type FolderContentsResponse struct {
	Token     uint32
	Folder    string
	Directory Directory
}

func (m FolderContentsResponse) Encode() []byte {
	body := &Builder{}
	body.WriteUint32(m.Token)
	body.WriteString(m.Folder)
	writeDirectory(body, m.Directory)
	return NewPeerBuilder(PeerFolderContentsResponse).WriteBytes(deflate(body.buf)).Build()
}

func DecodeFolderContentsResponse(frame []byte) (FolderContentsResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerFolderContentsResponse); err != nil {
		return FolderContentsResponse{}, err
	}
	if err := r.Decompress(); err != nil {
		return FolderContentsResponse{}, err
	}
	var m FolderContentsResponse
	m.Token = r.ReadUint32()
	m.Folder = r.ReadString()
	m.Directory = readDirectory(r)
	return m, r.Err()
}

type TransferRequest struct {
	Direction TransferDirection
	Token     uint32
	Filename  string
	FileSize  uint64
}

func (m TransferRequest) Encode() []byte {
	b := NewPeerBuilder(PeerTransferRequest).
		WriteUint32(uint32(m.Direction)).
		WriteUint32(m.Token).
		WriteString(m.Filename)
	if m.Direction == DirectionUpload {
		b.WriteUint64(m.FileSize)
	}
	return b.Build()
}

func DecodeTransferRequest(frame []byte) (TransferRequest, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerTransferRequest); err != nil {
		return TransferRequest{}, err
	}
	m := TransferRequest{
		Direction: TransferDirection(r.ReadUint32()),
		Token:     r.ReadUint32(),
		Filename:  r.ReadString(),
	}
	if m.Direction == DirectionUpload && r.Remaining() > 0 {
		m.FileSize = r.ReadUint64()
	}
	return m, r.Err()
}

type TransferResponse struct {
	Token    uint32
	Allowed  bool
	FileSize uint64
	Reason   string
}

func (m TransferResponse) Encode() []byte {
	b := NewPeerBuilder(PeerTransferResponse).
		WriteUint32(m.Token).
		WriteBool(m.Allowed)
	if m.Allowed {
		if m.FileSize > 0 {
			b.WriteUint64(m.FileSize)
		}
	} else {
		b.WriteString(m.Reason)
	}
	return b.Build()
}

func DecodeTransferResponse(frame []byte) (TransferResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerTransferResponse); err != nil {
		return TransferResponse{}, err
	}
	m := TransferResponse{
		Token:   r.ReadUint32(),
		Allowed: r.ReadBool(),
	}
	if m.Allowed {
		if r.Remaining() >= 8 {
			m.FileSize = r.ReadUint64()
		}
	} else {
		m.Reason = r.ReadString()
	}
	return m, r.Err()
}

// QueueDownload asks the remote to enqueue an upload of the named file to
// us.
type QueueDownload struct {
	Filename string
}

func (m QueueDownload) Encode() []byte {
	return NewPeerBuilder(PeerQueueDownload).WriteString(m.Filename).Build()
}

func DecodeQueueDownload(frame []byte) (QueueDownload, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerQueueDownload); err != nil {
		return QueueDownload{}, err
	}
	return QueueDownload{Filename: r.ReadString()}, r.Err()
}

type PlaceInQueueRequest struct {
	Filename string
}

func (m PlaceInQueueRequest) Encode() []byte {
	return NewPeerBuilder(PeerPlaceInQueueRequest).WriteString(m.Filename).Build()
}

func DecodePlaceInQueueRequest(frame []byte) (PlaceInQueueRequest, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerPlaceInQueueRequest); err != nil {
		return PlaceInQueueRequest{}, err
	}
	return PlaceInQueueRequest{Filename: r.ReadString()}, r.Err()
}

type PlaceInQueueResponse struct {
	Filename string
	Place    uint32
}

func (m PlaceInQueueResponse) Encode() []byte {
	return NewPeerBuilder(PeerPlaceInQueueResponse).
		WriteString(m.Filename).
		WriteUint32(m.Place).
		Build()
}

func DecodePlaceInQueueResponse(frame []byte) (PlaceInQueueResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerPlaceInQueueResponse); err != nil {
		return PlaceInQueueResponse{}, err
	}
	m := PlaceInQueueResponse{
		Filename: r.ReadString(),
		Place:    r.ReadUint32(),
	}
	return m, r.Err()
}

type QueueFailed struct {
	Filename string
	Reason   string
}

func (m QueueFailed) Encode() []byte {
	return NewPeerBuilder(PeerQueueFailed).
		WriteString(m.Filename).
		WriteString(m.Reason).
		Build()
}

func DecodeQueueFailed(frame []byte) (QueueFailed, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerQueueFailed); err != nil {
		return QueueFailed{}, err
	}
	m := QueueFailed{
		Filename: r.ReadString(),
		Reason:   r.ReadString(),
	}
	return m, r.Err()
}

type UploadFailed struct {
	Filename string
}

func (m UploadFailed) Encode() []byte {
	return NewPeerBuilder(PeerUploadFailed).WriteString(m.Filename).Build()
}

func DecodeUploadFailed(frame []byte) (UploadFailed, error) {
	r := NewReader(frame)
	if err := r.ExpectPeer(PeerUploadFailed); err != nil {
		return UploadFailed{}, err
	}
	return UploadFailed{Filename: r.ReadString()}, r.Err()
}
