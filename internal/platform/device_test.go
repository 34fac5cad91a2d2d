package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestHasSmsPermissionRequiresAll(t *testing.T) {
	d := NewDevice(Config{GrantedPermissions: []string{PermissionSendSMS, PermissionReadSMS}}, zerolog.Nop())
	if d.HasSmsPermission() {
		t.Fatalf("expected missing receive permission to deny")
	}
	d.Grant(PermissionReceiveSMS)
	if !d.HasSmsPermission() {
		t.Fatalf("expected all permissions granted")
	}
	d.Revoke(PermissionSendSMS)
	if d.HasSmsPermission() {
		t.Fatalf("expected revoke to deny")
	}
}

func TestRequestSmsPermissions(t *testing.T) {
	d := NewDevice(Config{Interactive: true, AutoAccept: true}, zerolog.Nop())
	if err := d.RequestSmsPermissions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.HasSmsPermission() {
		t.Fatalf("expected auto accept to grant permissions")
	}

	pending := NewDevice(Config{Interactive: true}, zerolog.Nop())
	if err := pending.RequestSmsPermissions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending.HasSmsPermission() {
		t.Fatalf("request without auto accept must not grant")
	}

	headless := NewDevice(Config{}, zerolog.Nop())
	if err := headless.RequestSmsPermissions(context.Background()); !errors.Is(err, ErrNoActivity) {
		t.Fatalf("expected ErrNoActivity, got %v", err)
	}
}

func TestRequestDefaultSmsApp(t *testing.T) {
	d := NewDevice(Config{APILevel: 34, PackageName: "com.textly.bridge", DefaultSmsPackage: "com.android.messaging", Interactive: true, AutoAccept: true}, zerolog.Nop())
	if d.IsDefaultSmsApp() {
		t.Fatalf("expected another package to hold the role")
	}
	if err := d.RequestDefaultSmsApp(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.IsDefaultSmsApp() {
		t.Fatalf("expected role to be granted")
	}

	old := NewDevice(Config{APILevel: 18, PackageName: "com.textly.bridge", Interactive: true}, zerolog.Nop())
	if err := old.RequestDefaultSmsApp(context.Background()); !errors.Is(err, ErrUnsupportedPlatformFeature) {
		t.Fatalf("expected ErrUnsupportedPlatformFeature, got %v", err)
	}

	headless := NewDevice(Config{APILevel: 34, PackageName: "com.textly.bridge"}, zerolog.Nop())
	if err := headless.RequestDefaultSmsApp(context.Background()); !errors.Is(err, ErrNoActivity) {
		t.Fatalf("expected ErrNoActivity, got %v", err)
	}
}

func TestIsDefaultSmsAppNeedsPackageName(t *testing.T) {
	d := NewDevice(Config{}, zerolog.Nop())
	if d.IsDefaultSmsApp() {
		t.Fatalf("empty package name must never be default")
	}
}
