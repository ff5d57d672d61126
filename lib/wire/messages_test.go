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
	"testing"

	"github.com/d4l3k/messagediff"
)

// strip removes the length prefix so a built frame can be fed back into a
// decoder, the way the message connection delivers frames.
func strip(frame []byte) []byte {
	return frame[4:]
}

func TestLoginEncoding(t *testing.T) {
	frame := strip(Login{Username: "u", Password: "p"}.Encode())
	r := NewReader(frame)
	if err := r.ExpectServer(ServerLogin); err != nil {
		t.Fatal(err)
	}
	if got := r.ReadString(); got != "u" {
		t.Errorf("username %q", got)
	}
	if got := r.ReadString(); got != "p" {
		t.Errorf("password %q", got)
	}
	if got := r.ReadUint32(); got != 181 {
		t.Errorf("version %d", got)
	}
	sum := md5.Sum([]byte("up"))
	if got := r.ReadString(); got != hex.EncodeToString(sum[:]) {
		t.Errorf("hash %q", got)
	}
	if got := r.ReadUint32(); got != 1 {
		t.Errorf("minor version %d", got)
	}
	if r.Err() != nil {
		t.Fatal(r.Err())
	}
}

func TestLoginResponseRoundTrip(t *testing.T) {
	ok := NewServerBuilder(ServerLogin).
		WriteBool(true).
		WriteString("hi").
		WriteIP(netip.AddrFrom4([4]byte{203, 0, 113, 1})).
		Build()
	msg, err := DecodeLoginResponse(strip(ok))
	if err != nil {
		t.Fatal(err)
	}
	want := LoginResponse{Succeeded: true, Greeting: "hi", IP: netip.AddrFrom4([4]byte{203, 0, 113, 1})}
	if msg != want {
		t.Errorf("login response differs: %+v", msg)
	}

	denied := NewServerBuilder(ServerLogin).
		WriteBool(false).
		WriteString("INVALIDPASS").
		Build()
	msg, err = DecodeLoginResponse(strip(denied))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Succeeded || msg.Reason != "INVALIDPASS" {
		t.Errorf("unexpected decode: %+v", msg)
	}
}

func TestConnectToPeerRoundTrip(t *testing.T) {
	out := ConnectToPeer{Token: 99, Username: "alice", Type: ConnectionTypeTransfer}
	r := NewReader(strip(out.Encode()))
	if err := r.ExpectServer(ServerConnectToPeer); err != nil {
		t.Fatal(err)
	}
	if got := r.ReadUint32(); got != 99 {
		t.Errorf("token %d", got)
	}
	if got := r.ReadString(); got != "alice" {
		t.Errorf("username %q", got)
	}
	if got := r.ReadString(); got != "F" {
		t.Errorf("type %q", got)
	}

	in := NewServerBuilder(ServerConnectToPeer).
		WriteString("bob").
		WriteString("P").
		WriteIP(netip.AddrFrom4([4]byte{10, 0, 0, 1})).
		WriteUint32(2234).
		WriteUint32(77).
		WriteBool(true).
		Build()
	n, err := DecodeConnectToPeerNotification(strip(in))
	if err != nil {
		t.Fatal(err)
	}
	want := ConnectToPeerNotification{
		Username:   "bob",
		Type:       ConnectionTypePeer,
		IP:         netip.AddrFrom4([4]byte{10, 0, 0, 1}),
		Port:       2234,
		Token:      77,
		Privileged: true,
	}
	if n != want {
		t.Errorf("notification differs: %+v", n)
	}
}

func TestPeerInitRoundTrip(t *testing.T) {
	out := PeerInit{Username: "carol", Type: ConnectionTypePeer, Token: 5}
	msg, err := DecodePeerInit(strip(out.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(out, msg); !eq {
		t.Errorf("peer init differs:\n%s", diff)
	}

	pf := PierceFirewall{Token: 12345}
	got, err := DecodePierceFirewall(strip(pf.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if got != pf {
		t.Errorf("pierce firewall differs: %+v", got)
	}

	if _, err := DecodePeerInit(strip(pf.Encode())); err == nil {
		t.Error("expected code mismatch decoding PierceFirewall as PeerInit")
	}
}

func TestSearchResponseRoundTrip(t *testing.T) {
	out := SearchResponse{
		Username: "B",
		Token:    42,
		Files: []File{
			{
				Code:      1,
				Filename:  "abc.mp3",
				Size:      1024,
				Extension: "mp3",
				Attributes: []FileAttribute{
					{Type: AttributeBitRate, Value: 320},
					{Type: AttributeLength, Value: 221},
				},
			},
		},
		FreeUploadSlots: 1,
		UploadSpeed:     0,
		QueueLength:     0,
	}
	msg, err := DecodeSearchResponse(strip(out.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(out, msg); !eq {
		t.Errorf("search response differs:\n%s", diff)
	}
}

func TestBrowseResponseRoundTrip(t *testing.T) {
	out := BrowseResponse{
		Directories: []Directory{
			{
				Name: "music\\albums",
				Files: []File{
					{Code: 1, Filename: "one.flac", Size: 9999, Extension: "flac"},
					{Code: 1, Filename: "two.flac", Size: 8888, Extension: "flac"},
				},
			},
			{Name: "music\\singles"},
		},
	}
	msg, err := DecodeBrowseResponse(strip(out.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(out, msg); !eq {
		t.Errorf("browse response differs:\n%s", diff)
	}
}

func TestTransferMessagesRoundTrip(t *testing.T) {
	down := TransferRequest{Direction: DirectionDownload, Token: 7, Filename: "abc.mp3"}
	msg, err := DecodeTransferRequest(strip(down.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(down, msg); !eq {
		t.Errorf("download request differs:\n%s", diff)
	}

	up := TransferRequest{Direction: DirectionUpload, Token: 8, Filename: "abc.mp3", FileSize: 1024}
	msg, err = DecodeTransferRequest(strip(up.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(up, msg); !eq {
		t.Errorf("upload request differs:\n%s", diff)
	}

	allowed := TransferResponse{Token: 7, Allowed: true, FileSize: 1024}
	resp, err := DecodeTransferResponse(strip(allowed.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(allowed, resp); !eq {
		t.Errorf("allowed response differs:\n%s", diff)
	}

	queued := TransferResponse{Token: 7, Allowed: false, Reason: "Queued"}
	resp, err = DecodeTransferResponse(strip(queued.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(queued, resp); !eq {
		t.Errorf("queued response differs:\n%s", diff)
	}
}

func TestNetInfoDecode(t *testing.T) {
	b := NewServerBuilder(ServerNetInfo).WriteUint32(2)
	b.WriteString("p1").WriteIP(netip.AddrFrom4([4]byte{10, 0, 0, 1})).WriteUint32(2234)
	b.WriteString("p2").WriteIP(netip.AddrFrom4([4]byte{10, 0, 0, 2})).WriteUint32(2235)
	msg, err := DecodeNetInfo(strip(b.Build()))
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Parents) != 2 {
		t.Fatalf("expected 2 parents, got %d", len(msg.Parents))
	}
	if msg.Parents[1].Username != "p2" || msg.Parents[1].Port != 2235 {
		t.Errorf("second parent differs: %+v", msg.Parents[1])
	}
}

func TestDistributedSearchRoundTrip(t *testing.T) {
	out := DistributedSearchRequestMessage{Unknown: 0x31, Username: "seeker", Token: 42, Query: "abc"}
	msg, err := DecodeDistributedSearchRequest(strip(out.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(out, msg); !eq {
		t.Errorf("distributed search differs:\n%s", diff)
	}
}

func TestRoomListDecode(t *testing.T) {
	b := NewServerBuilder(ServerRoomList)
	b.WriteUint32(2).WriteString("indie").WriteString("jazz")
	b.WriteUint32(2).WriteUint32(10).WriteUint32(20)
	msg, err := DecodeRoomList(strip(b.Build()))
	if err != nil {
		t.Fatal(err)
	}
	want := RoomList{Rooms: []Room{{Name: "indie", UserCount: 10}, {Name: "jazz", UserCount: 20}}}
	if diff, eq := messagediff.PrettyDiff(want, msg); !eq {
		t.Errorf("room list differs:\n%s", diff)
	}
}

func TestFolderContentsRoundTrip(t *testing.T) {
	out := FolderContentsResponse{
		Token:  3,
		Folder: "music",
		Directory: Directory{
			Name:  "music",
			Files: []File{{Code: 1, Filename: "a.ogg", Size: 1, Extension: "ogg"}},
		},
	}
	msg, err := DecodeFolderContentsResponse(strip(out.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	if diff, eq := messagediff.PrettyDiff(out, msg); !eq {
		t.Errorf("folder contents differs:\n%s", diff)
	}
}
