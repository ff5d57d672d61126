// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package wire

import (
	"crypto/md5"
	"encoding/hex"
	"net/netip"
)

// Message structs for the server connection. Outgoing messages have an
// Encode method returning a complete frame; incoming ones have a Decode
// function taking the frame, code included.

const (
	loginVersion      = 181
	loginMinorVersion = 1
)

type Login struct {
	Username string
	Password string
}

func (m Login) Encode() []byte {
	sum := md5.Sum([]byte(m.Username + m.Password))
	return NewServerBuilder(ServerLogin).
		WriteString(m.Username).
		WriteString(m.Password).
		WriteUint32(loginVersion).
		WriteString(hex.EncodeToString(sum[:])).
		WriteUint32(loginMinorVersion).
		Build()
}

type LoginResponse struct {
	Succeeded bool
	Greeting  string
	IP        netip.Addr
	Reason    string
}

func DecodeLoginResponse(frame []byte) (LoginResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerLogin); err != nil {
		return LoginResponse{}, err
	}
	var m LoginResponse
	m.Succeeded = r.ReadBool()
	if m.Succeeded {
		m.Greeting = r.ReadString()
		m.IP = r.ReadIP()
	} else {
		m.Reason = r.ReadString()
	}
	return m, r.Err()
}

type SetListenPort struct {
	Port uint32
}

func (m SetListenPort) Encode() []byte {
	return NewServerBuilder(ServerSetListenPort).WriteUint32(m.Port).Build()
}

type GetPeerAddress struct {
	Username string
}

func (m GetPeerAddress) Encode() []byte {
	return NewServerBuilder(ServerGetPeerAddress).WriteString(m.Username).Build()
}

type GetPeerAddressResponse struct {
	Username string
	Address  UserAddress
}

func DecodeGetPeerAddressResponse(frame []byte) (GetPeerAddressResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerGetPeerAddress); err != nil {
		return GetPeerAddressResponse{}, err
	}
	m := GetPeerAddressResponse{
		Username: r.ReadString(),
		Address: UserAddress{
			IP:   r.ReadIP(),
			Port: r.ReadUint32(),
		},
	}
	return m, r.Err()
}

type AddUser struct {
	Username string
}

func (m AddUser) Encode() []byte {
	return NewServerBuilder(ServerAddUser).WriteString(m.Username).Build()
}

type AddUserResponse struct {
	Username string
	Exists   bool
	Status   UserStatusCode
	Stats    UserStats
}

func DecodeAddUserResponse(frame []byte) (AddUserResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerAddUser); err != nil {
		return AddUserResponse{}, err
	}
	m := AddUserResponse{
		Username: r.ReadString(),
		Exists:   r.ReadBool(),
	}
	if m.Exists {
		m.Status = UserStatusCode(r.ReadUint32())
		m.Stats = UserStats{
			AverageSpeed:   r.ReadUint32(),
			UploadCount:    r.ReadUint64(),
			FileCount:      r.ReadUint32(),
			DirectoryCount: r.ReadUint32(),
		}
	}
	return m, r.Err()
}

type GetStatus struct {
	Username string
}

func (m GetStatus) Encode() []byte {
	return NewServerBuilder(ServerGetStatus).WriteString(m.Username).Build()
}

type GetStatusResponse struct {
	Username   string
	Status     UserStatusCode
	Privileged bool
}

func DecodeGetStatusResponse(frame []byte) (GetStatusResponse, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerGetStatus); err != nil {
		return GetStatusResponse{}, err
	}
	m := GetStatusResponse{
		Username:   r.ReadString(),
		Status:     UserStatusCode(r.ReadUint32()),
		Privileged: r.ReadBool(),
	}
	return m, r.Err()
}

// ConnectToPeer is both directions: we send it to solicit an indirect
// connection, and the server forwards other users' solicitations to us.
type ConnectToPeer struct {
	Token    uint32
	Username string
	Type     ConnectionType
}

func (m ConnectToPeer) Encode() []byte {
	return NewServerBuilder(ServerConnectToPeer).
		WriteUint32(m.Token).
		WriteString(m.Username).
		WriteString(string(m.Type)).
		Build()
}

// ConnectToPeerNotification is the inbound form, carrying the remote's
// endpoint alongside the solicitation token.
type ConnectToPeerNotification struct {
	Username   string
	Type       ConnectionType
	IP         netip.Addr
	Port       uint32
	Token      uint32
	Privileged bool
}

func DecodeConnectToPeerNotification(frame []byte) (ConnectToPeerNotification, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerConnectToPeer); err != nil {
		return ConnectToPeerNotification{}, err
	}
	m := ConnectToPeerNotification{
		Username: r.ReadString(),
		Type:     ConnectionType(r.ReadString()),
		IP:       r.ReadIP(),
		Port:     r.ReadUint32(),
		Token:    r.ReadUint32(),
	}
	if r.Remaining() > 0 {
		m.Privileged = r.ReadBool()
	}
	return m, r.Err()
}

type PrivateMessage struct {
	ID        uint32
	Timestamp uint32
	Username  string
	Message   string
	IsAdmin   bool
}

func DecodePrivateMessage(frame []byte) (PrivateMessage, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerPrivateMessage); err != nil {
		return PrivateMessage{}, err
	}
	m := PrivateMessage{
		ID:        r.ReadUint32(),
		Timestamp: r.ReadUint32(),
		Username:  r.ReadString(),
		Message:   r.ReadString(),
	}
	if r.Remaining() > 0 {
		m.IsAdmin = r.ReadBool()
	}
	return m, r.Err()
}

type AcknowledgePrivateMessage struct {
	ID uint32
}

func (m AcknowledgePrivateMessage) Encode() []byte {
	return NewServerBuilder(ServerAcknowledgePrivateMessage).WriteUint32(m.ID).Build()
}

type FileSearch struct {
	Token uint32
	Query string
}

func (m FileSearch) Encode() []byte {
	return NewServerBuilder(ServerFileSearch).
		WriteUint32(m.Token).
		WriteString(m.Query).
		Build()
}

// FileSearchNotification is the inbound form of FileSearch: another
// user's search relayed to us by the server.
type FileSearchNotification struct {
	Username string
	Token    uint32
	Query    string
}

func DecodeFileSearchNotification(frame []byte) (FileSearchNotification, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerFileSearch); err != nil {
		return FileSearchNotification{}, err
	}
	m := FileSearchNotification{
		Username: r.ReadString(),
		Token:    r.ReadUint32(),
		Query:    r.ReadString(),
	}
	return m, r.Err()
}

type SetOnlineStatus struct {
	Status UserStatusCode
}

func (m SetOnlineStatus) Encode() []byte {
	return NewServerBuilder(ServerSetOnlineStatus).WriteUint32(uint32(m.Status)).Build()
}

type ServerPingMessage struct{}

func (ServerPingMessage) Encode() []byte {
	return NewServerBuilder(ServerPing).Build()
}

type SharedFoldersAndFiles struct {
	DirectoryCount uint32
	FileCount      uint32
}

func (m SharedFoldersAndFiles) Encode() []byte {
	return NewServerBuilder(ServerSharedFoldersAndFiles).
		WriteUint32(m.DirectoryCount).
		WriteUint32(m.FileCount).
		Build()
}

type RoomList struct {
	Rooms []Room
}

func DecodeRoomList(frame []byte) (RoomList, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerRoomList); err != nil {
		return RoomList{}, err
	}
	var m RoomList
	n := int(r.ReadUint32())
	names := make([]string, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		names = append(names, r.ReadString())
	}
	n = int(r.ReadUint32())
	for i := 0; i < n && r.Err() == nil; i++ {
		count := r.ReadUint32()
		if i < len(names) {
			m.Rooms = append(m.Rooms, Room{Name: names[i], UserCount: count})
		}
	}
	return m, r.Err()
}

type PrivilegedUsers struct {
	Usernames []string
}

func DecodePrivilegedUsers(frame []byte) (PrivilegedUsers, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerPrivilegedUsers); err != nil {
		return PrivilegedUsers{}, err
	}
	var m PrivilegedUsers
	n := int(r.ReadUint32())
	for i := 0; i < n && r.Err() == nil; i++ {
		m.Usernames = append(m.Usernames, r.ReadString())
	}
	return m, r.Err()
}

type HaveNoParents struct {
	HaveNoParents bool
}

func (m HaveNoParents) Encode() []byte {
	return NewServerBuilder(ServerHaveNoParents).WriteBool(m.HaveNoParents).Build()
}

type ParentsIP struct {
	IP netip.Addr
}

func (m ParentsIP) Encode() []byte {
	ip := m.IP
	if !ip.IsValid() {
		ip = netip.AddrFrom4([4]byte{0, 0, 0, 0})
	}
	return NewServerBuilder(ServerParentsIP).WriteIP(ip).Build()
}

type ParentMinSpeed struct {
	Speed uint32
}

func DecodeParentMinSpeed(frame []byte) (ParentMinSpeed, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerParentMinSpeed); err != nil {
		return ParentMinSpeed{}, err
	}
	return ParentMinSpeed{Speed: r.ReadUint32()}, r.Err()
}

type ParentSpeedRatio struct {
	Ratio uint32
}

func DecodeParentSpeedRatio(frame []byte) (ParentSpeedRatio, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerParentSpeedRatio); err != nil {
		return ParentSpeedRatio{}, err
	}
	return ParentSpeedRatio{Ratio: r.ReadUint32()}, r.Err()
}

type WishlistInterval struct {
	Interval uint32
}

func DecodeWishlistInterval(frame []byte) (WishlistInterval, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerWishlistInterval); err != nil {
		return WishlistInterval{}, err
	}
	return WishlistInterval{Interval: r.ReadUint32()}, r.Err()
}

type AcceptChildren struct {
	Accept bool
}

func (m AcceptChildren) Encode() []byte {
	return NewServerBuilder(ServerAcceptChildren).WriteBool(m.Accept).Build()
}

type NetInfo struct {
	Parents []NetInfoPeer
}

func DecodeNetInfo(frame []byte) (NetInfo, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerNetInfo); err != nil {
		return NetInfo{}, err
	}
	var m NetInfo
	n := int(r.ReadUint32())
	for i := 0; i < n && r.Err() == nil; i++ {
		m.Parents = append(m.Parents, NetInfoPeer{
			Username: r.ReadString(),
			IP:       r.ReadIP(),
			Port:     r.ReadUint32(),
		})
	}
	return m, r.Err()
}

type BranchLevel struct {
	Level uint32
}

func (m BranchLevel) Encode() []byte {
	return NewServerBuilder(ServerBranchLevel).WriteUint32(m.Level).Build()
}

type BranchRoot struct {
	Root string
}

func (m BranchRoot) Encode() []byte {
	return NewServerBuilder(ServerBranchRoot).WriteString(m.Root).Build()
}

type ChildDepth struct {
	Depth uint32
}

func (m ChildDepth) Encode() []byte {
	return NewServerBuilder(ServerChildDepth).WriteUint32(m.Depth).Build()
}

// ServerSearchRequestMessage is a distributed search delivered over the
// server connection, for clients acting as branch roots.
type ServerSearchRequestMessage struct {
	DistributedCode uint8
	Unknown         uint32
	Username        string
	Token           uint32
	Query           string
}

func DecodeServerSearchRequest(frame []byte) (ServerSearchRequestMessage, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerSearchRequest); err != nil {
		return ServerSearchRequestMessage{}, err
	}
	m := ServerSearchRequestMessage{
		DistributedCode: r.ReadUint8(),
		Unknown:         r.ReadUint32(),
		Username:        r.ReadString(),
		Token:           r.ReadUint32(),
		Query:           r.ReadString(),
	}
	return m, r.Err()
}

type CannotConnect struct {
	Token    uint32
	Username string
}

func (m CannotConnect) Encode() []byte {
	return NewServerBuilder(ServerCannotConnect).
		WriteUint32(m.Token).
		WriteString(m.Username).
		Build()
}

func DecodeCannotConnect(frame []byte) (CannotConnect, error) {
	r := NewReader(frame)
	if err := r.ExpectServer(ServerCannotConnect); err != nil {
		return CannotConnect{}, err
	}
	m := CannotConnect{Token: r.ReadUint32()}
	if r.Remaining() > 0 {
		m.Username = r.ReadString()
	}
	return m, r.Err()
}
