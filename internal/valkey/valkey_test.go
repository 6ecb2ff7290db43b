package valkey

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func TestConnect_ValkeyScheme(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "valkey://"+mr.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = client.Close()
}

func TestConnect_ValkeySchemeUpperCase(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "VALKEY://"+mr.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = client.Close()
}

func TestConnect_RedisScheme(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = client.Close()
}

func TestConnect_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "://missing-scheme", 5*time.Second)
	if err == nil {
		t.Fatal("Connect() expected error for invalid URL, got nil")
	}
}

func TestConnect_UnreachableHost(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "redis://localhost:1", 100*time.Millisecond)
	if err == nil {
		t.Fatal("Connect() expected error for unreachable host, got nil")
	}
}

func TestConnectPair_ReusesConnectionForSameURL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	presenceRDB, busRDB, err := ConnectPair(context.Background(), url, url, 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("ConnectPair() error = %v", err)
	}
	defer ClosePair(presenceRDB, busRDB)

	if presenceRDB != busRDB {
		t.Error("ConnectPair() with equal URLs should return the same client for both")
	}
}

func TestConnectPair_DialsSeparatelyForDifferentURLs(t *testing.T) {
	t.Parallel()
	presenceMr := miniredis.RunT(t)
	busMr := miniredis.RunT(t)

	presenceRDB, busRDB, err := ConnectPair(context.Background(),
		"redis://"+presenceMr.Addr(), "redis://"+busMr.Addr(), 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("ConnectPair() error = %v", err)
	}
	defer ClosePair(presenceRDB, busRDB)

	if presenceRDB == busRDB {
		t.Error("ConnectPair() with different URLs should return distinct clients")
	}
}

func TestConnectPair_PresenceFailureReturnsError(t *testing.T) {
	t.Parallel()

	_, _, err := ConnectPair(context.Background(), "redis://localhost:1", "redis://localhost:1", 100*time.Millisecond, zerolog.Nop())
	if err == nil {
		t.Fatal("ConnectPair() expected error when the presence dial fails, got nil")
	}
}
