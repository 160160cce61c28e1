package engine

import "testing"

func TestChannelConfig_ResolvedContextThreshold(t *testing.T) {
	tests := []struct {
		name string
		cfg ChannelConfig
		want int
	}{
		{"absolute threshold", ChannelConfig{ContextThreshold: 50000}, 50000},
		{"fractional threshold with window", ChannelConfig{ContextThreshold: 0.5, ModelContextWindow: 100000}, 50000},
		{"unset falls back to default", ChannelConfig{}, int(0.8 * 32000)},
		{"fractional without window falls back to default", ChannelConfig{ContextThreshold: 0.5}, int(0.8 * 32000)},
	}
	for _, tt := range tests {
		if got := tt.cfg.ResolvedContextThreshold(); got != tt.want {
			t.Errorf("%s: ResolvedContextThreshold() = %d, want %d", tt.name, got, tt.want)
		}
	}
}
