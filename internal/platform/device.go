// Package platform models the host capabilities the bridge depends on:
// runtime SMS permissions and the default SMS application role.
package platform

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Permissions required to send, read and receive SMS.
const (
	PermissionSendSMS    = "android.permission.SEND_SMS"
	PermissionReadSMS    = "android.permission.READ_SMS"
	PermissionReceiveSMS = "android.permission.RECEIVE_SMS"
)

// API levels gating platform features.
const (
	APILevelKitKat      = 19
	APILevelLollipopMR1 = 22
	APILevelS           = 31
)

var (
	// ErrUnsupportedPlatformFeature is returned when the platform version
	// cannot perform the requested operation.
	ErrUnsupportedPlatformFeature = errors.New("platform: feature not supported on this api level")
	// ErrNoActivity is returned when a request needs an interactive surface
	// and none is available.
	ErrNoActivity = errors.New("platform: no current activity available")
)

// SMSPermissions lists every permission HasSmsPermission checks.
var SMSPermissions = []string{PermissionSendSMS, PermissionReadSMS, PermissionReceiveSMS}

// Config describes the simulated host.
type Config struct {
	APILevel           int
	PackageName        string
	DefaultSmsPackage  string
	Interactive        bool
	AutoAccept         bool
	GrantedPermissions []string
}

// Device tracks permissions and the default SMS role. Requests that need
// user interaction are accepted immediately when AutoAccept is set and are
// otherwise left for Grant or SetDefaultSmsPackage.
type Device struct {
	logger      zerolog.Logger
	apiLevel    int
	packageName string
	interactive bool
	autoAccept  bool

	mu             sync.RWMutex
	defaultPackage string
	granted        map[string]bool
}

// NewDevice builds a device from cfg.
func NewDevice(cfg Config, logger zerolog.Logger) *Device {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	d := &Device{
		logger:         logger,
		apiLevel:       cfg.APILevel,
		packageName:    strings.TrimSpace(cfg.PackageName),
		interactive:    cfg.Interactive,
		autoAccept:     cfg.AutoAccept,
		defaultPackage: strings.TrimSpace(cfg.DefaultSmsPackage),
		granted:        make(map[string]bool),
	}
	for _, p := range cfg.GrantedPermissions {
		if p = strings.TrimSpace(p); p != "" {
			d.granted[p] = true
		}
	}
	return d
}

// APILevel returns the platform version.
func (d *Device) APILevel() int { return d.apiLevel }

// HasSmsPermission reports whether all SMS permissions are granted.
func (d *Device) HasSmsPermission() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range SMSPermissions {
		if !d.granted[p] {
			return false
		}
	}
	return true
}

// Grant records permissions as granted.
func (d *Device) Grant(perms ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range perms {
		d.granted[p] = true
	}
}

// Revoke removes previously granted permissions.
func (d *Device) Revoke(perms ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range perms {
		delete(d.granted, p)
	}
}

// RequestSmsPermissions asks for every SMS permission. It returns once the
// request is issued; the outcome is observed through HasSmsPermission.
func (d *Device) RequestSmsPermissions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.interactive {
		return ErrNoActivity
	}
	d.logger.Info().Strs("permissions", SMSPermissions).Bool("auto_accept", d.autoAccept).Msg("sms permissions requested")
	if d.autoAccept {
		d.Grant(SMSPermissions...)
	}
	return nil
}

// IsDefaultSmsApp reports whether this package holds the default SMS role.
func (d *Device) IsDefaultSmsApp() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.packageName != "" && d.defaultPackage == d.packageName
}

// DefaultSmsPackage returns the package currently holding the role.
func (d *Device) DefaultSmsPackage() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.defaultPackage
}

// SetDefaultSmsPackage changes the role holder, as the user would from
// system settings.
func (d *Device) SetDefaultSmsPackage(pkg string) {
	d.mu.Lock()
	prev := d.defaultPackage
	d.defaultPackage = strings.TrimSpace(pkg)
	d.mu.Unlock()
	if prev != pkg {
		d.logger.Info().Str("previous", prev).Str("current", pkg).Msg("default sms package changed")
	}
}

// RequestDefaultSmsApp asks the user to make this package the default SMS
// application. Requires API level 19 or later.
func (d *Device) RequestDefaultSmsApp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.apiLevel < APILevelKitKat {
		return ErrUnsupportedPlatformFeature
	}
	if !d.interactive {
		return ErrNoActivity
	}
	d.logger.Info().Str("package", d.packageName).Bool("auto_accept", d.autoAccept).Msg("default sms role requested")
	if d.autoAccept {
		d.SetDefaultSmsPackage(d.packageName)
	}
	return nil
}
