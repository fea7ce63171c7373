package args

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    uint64
		wantErr bool
	}{
		{"absent defaults to zero", `label="x"`, 0, false},
		{"empty string", "", 0, false},
		{"plain", "ram_quota=30", 30, false},
		{"kilo", "ram_quota=64K", 64 << 10, false},
		{"mega", "ram_quota=10M", 10 << 20, false},
		{"giga lower case", "ram_quota=1g", 1 << 30, false},
		{"quoted", `ram_quota="4096"`, 4096, false},
		{"among others", `label="child", ram_quota=12, foo=bar`, 12, false},
		{"negative", "ram_quota=-5", 0, true},
		{"garbage", "ram_quota=lots", 0, true},
		{"empty value", "ram_quota=", 0, true},
		{"fraction", "ram_quota=1.5", 0, true},
		{"fractional kilo", "ram_quota=0.5K", 0, true},
		{"decimal unit", "ram_quota=30 MB", 0, true},
		{"binary unit spelled out", "ram_quota=4KiB", 0, true},
		{"space before suffix", "ram_quota=4 K", 0, true},
		{"suffix only", "ram_quota=K", 0, true},
		{"plus sign", "ram_quota=+5", 0, true},
		{"overflow", "ram_quota=18446744073709551616", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Size(tt.args, RAMQuota, 0)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidValue)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "child", String(`ram_quota=1, label="child"`, Label, ""))
	assert.Equal(t, "a, b", String(`label="a, b", ram_quota=1`, Label, ""))
	assert.Equal(t, "none", String(`ram_quota=1`, Label, "none"))
}

func TestSetOverridesLabel(t *testing.T) {
	in := `ram_quota=8K, label="evil"`
	out := Set(in, Label, "child")

	assert.Equal(t, `ram_quota=8K, label="child"`, out)
	assert.Equal(t, "child", String(out, Label, ""))

	appended := Set("ram_quota=1", Label, "child")
	assert.Equal(t, `ram_quota=1, label="child"`, appended)

	fromEmpty := Set("", Label, "child")
	assert.Equal(t, `label="child"`, fromEmpty)

	// quote characters cannot be escaped and are dropped
	stripped := Set("", Label, `ev"il, ram_quota=1G`)
	assert.Equal(t, `label="evil, ram_quota=1G"`, stripped)
	assert.Equal(t, "evil, ram_quota=1G", String(stripped, Label, ""))
	n, err := Size(stripped, RAMQuota, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
}

func TestSetSizeAndRemove(t *testing.T) {
	out := SetSize(`label="x"`, RAMQuota, 2048)
	n, err := Size(out, RAMQuota, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), n)

	out = SetSize(out, RAMQuota, 1)
	n, err = Size(out, RAMQuota, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	assert.Equal(t, `label="x"`, Remove(out, RAMQuota))
}
