// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serf

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/hashicorp/memberlist"
)

func testKeyring(t *testing.T) *memberlist.Keyring {
	keys := []string{
		"ZWTL+bgjHyQPhJRKcFe3ccirc2SFHmc/Nw67l8NQfdk=",
		"WbL6oaTPom+7RG7Q/INbJWKy09OLar/Hf2SuOAdoQE4=",
		"HvY8ubRZMgafUOWvrOadwOckVa1wN3QWAo46FVKbVN8=",
	}

	decoded := make([][]byte, len(keys))
	for i, key := range keys {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		decoded[i] = raw
	}

	kr, err := memberlist.NewKeyring(decoded, decoded[0])
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return kr
}

func testKeyringSerf(t *testing.T) *Serf {
	config := testConfig(t)
	config.MemberlistConfig.Keyring = testKeyring(t)

	s, err := Create(config)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return s
}

func keyExistsInRing(kr *memberlist.Keyring, key []byte) bool {
	for _, installed := range kr.GetKeys() {
		if bytes.Equal(key, installed) {
			return true
		}
	}
	return false
}

func TestSerf_InstallKey(t *testing.T) {
	s1 := testKeyringSerf(t)
	defer s1.Shutdown()

	s2 := testKeyringSerf(t)
	defer s2.Shutdown()

	primaryKey := s1.config.MemberlistConfig.Keyring.GetPrimaryKey()

	waitUntilNumNodes(t, 1, s1, s2)
	if _, err := s1.Join([]string{testJoinAddr(s2.config)}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntilNumNodes(t, 2, s1, s2)

	newKey := "HvY8ubRZMgafUOWvrOadwOckVa1wN3QWAo46FVKbVN8="
	newKeyBytes, err := base64.StdEncoding.DecodeString(newKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	manager := s1.KeyManager()
	if _, err := manager.InstallKey(newKey); err != nil {
		t.Fatalf("err: %v", err)
	}

	if !bytes.Equal(primaryKey, s1.config.MemberlistConfig.Keyring.GetPrimaryKey()) {
		t.Fatal("unexpected primary key change on s1")
	}
	if !bytes.Equal(primaryKey, s2.config.MemberlistConfig.Keyring.GetPrimaryKey()) {
		t.Fatal("unexpected primary key change on s2")
	}
	if !keyExistsInRing(s1.config.MemberlistConfig.Keyring, newKeyBytes) {
		t.Fatal("newly-installed key not found on s1")
	}
	if !keyExistsInRing(s2.config.MemberlistConfig.Keyring, newKeyBytes) {
		t.Fatal("newly-installed key not found on s2")
	}
}

func TestSerf_UseKey(t *testing.T) {
	s1 := testKeyringSerf(t)
	defer s1.Shutdown()

	s2 := testKeyringSerf(t)
	defer s2.Shutdown()

	waitUntilNumNodes(t, 1, s1, s2)
	if _, err := s1.Join([]string{testJoinAddr(s2.config)}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntilNumNodes(t, 2, s1, s2)

	useKey := "HvY8ubRZMgafUOWvrOadwOckVa1wN3QWAo46FVKbVN8="
	useKeyBytes, err := base64.StdEncoding.DecodeString(useKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	manager := s1.KeyManager()
	if _, err := manager.UseKey(useKey); err != nil {
		t.Fatalf("err: %v", err)
	}

	if !bytes.Equal(useKeyBytes, s1.config.MemberlistConfig.Keyring.GetPrimaryKey()) {
		t.Fatal("unexpected primary key on s1")
	}
	if !bytes.Equal(useKeyBytes, s2.config.MemberlistConfig.Keyring.GetPrimaryKey()) {
		t.Fatal("unexpected primary key on s2")
	}

	if _, err := manager.UseKey("T9jncgl9mbLus+baTTa7q7nPSUrXwbDi2dhbtqir37s="); err == nil {
		t.Fatalf("expected an error changing to a non-existent primary key")
	}
}

func TestSerf_RemoveKey(t *testing.T) {
	s1 := testKeyringSerf(t)
	defer s1.Shutdown()

	s2 := testKeyringSerf(t)
	defer s2.Shutdown()

	waitUntilNumNodes(t, 1, s1, s2)
	if _, err := s1.Join([]string{testJoinAddr(s2.config)}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntilNumNodes(t, 2, s1, s2)

	removeKey := "WbL6oaTPom+7RG7Q/INbJWKy09OLar/Hf2SuOAdoQE4="
	removeKeyBytes, err := base64.StdEncoding.DecodeString(removeKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	manager := s1.KeyManager()
	if _, err := manager.RemoveKey(removeKey); err != nil {
		t.Fatalf("err: %v", err)
	}

	if keyExistsInRing(s1.config.MemberlistConfig.Keyring, removeKeyBytes) {
		t.Fatal("key not removed from s1")
	}
	if keyExistsInRing(s2.config.MemberlistConfig.Keyring, removeKeyBytes) {
		t.Fatal("key not removed from s2")
	}
}

func TestSerf_ListKeys(t *testing.T) {
	s1 := testKeyringSerf(t)
	defer s1.Shutdown()

	s2 := testKeyringSerf(t)
	defer s2.Shutdown()

	extraKey := "5K9OtfP7efFrNKe5WCQvXvnaXJ5cWP0SvXiwe0kkjM4="
	extraKeyBytes, err := base64.StdEncoding.DecodeString(extraKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	s2.config.MemberlistConfig.Keyring.AddKey(extraKeyBytes)

	initialKeyringLen := len(s1.config.MemberlistConfig.Keyring.GetKeys())

	waitUntilNumNodes(t, 1, s1, s2)
	if _, err := s1.Join([]string{testJoinAddr(s2.config)}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntilNumNodes(t, 2, s1, s2)

	manager := s1.KeyManager()
	resp, err := manager.ListKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	expected := initialKeyringLen + 1
	if expected != len(resp.Keys) {
		t.Fatalf("expected %d keys, found %d", expected, len(resp.Keys))
	}

	if n, ok := resp.Keys[extraKey]; !ok || n != 1 {
		t.Fatalf("expected exactly one node reporting %s, got %d", extraKey, n)
	}
}
