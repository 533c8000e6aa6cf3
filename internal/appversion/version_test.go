package appversion_test

import (
	"strings"
	"testing"

	"beamhost/internal/appversion"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	v := appversion.String()
	if v == "" {
		t.Fatal("appversion.String() must not be empty")
	}
}

func TestRevisionIsShort(t *testing.T) {
	t.Parallel()

	rev := strings.TrimSuffix(appversion.Revision(), "+dirty")
	if len(rev) > 12 {
		t.Fatalf("revision %q longer than 12 characters", rev)
	}
}
