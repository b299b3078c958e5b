package flow

import (
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/telephony"
)

func TestHangupBudgetOutlastsWebhookHold(t *testing.T) {
	if DefaultHangupTimeout <= telephony.DefaultHoldTimeout {
		t.Fatalf("DefaultHangupTimeout = %s, must exceed the webhook hold timeout %s",
			DefaultHangupTimeout, telephony.DefaultHoldTimeout)
	}
	if cfg := NewConfig(); cfg.HangupTimeout != DefaultHangupTimeout {
		t.Errorf("NewConfig().HangupTimeout = %s, want %s", cfg.HangupTimeout, DefaultHangupTimeout)
	}
}

func TestNewConfigOptions(t *testing.T) {
	cfg := NewConfig(
		WithAgentName("Ana"),
		WithDefaultTrunk("trunk-1"),
		WithHangupTimeout(30*time.Second),
		WithMaxToolRounds(1),
	)
	if cfg.AgentName != "Ana" || cfg.DefaultTrunk != "trunk-1" {
		t.Errorf("identity = %q/%q", cfg.AgentName, cfg.DefaultTrunk)
	}
	if cfg.HangupTimeout != 30*time.Second || cfg.MaxToolRounds != 1 {
		t.Errorf("limits = %s/%d", cfg.HangupTimeout, cfg.MaxToolRounds)
	}
	if cfg.OrgName != DefaultOrgName || cfg.Farewell != DefaultFarewell {
		t.Errorf("defaults = %q/%q", cfg.OrgName, cfg.Farewell)
	}
}
