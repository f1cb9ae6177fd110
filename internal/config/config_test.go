package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateSleepTimeout(t *testing.T) {
	cases := []struct {
		secs int
		ok   bool
	}{
		{0, true},
		{1, false},
		{10, false},
		{20, false},
		{21, true},
		{600, true},
		{-1, false},
	}
	for _, c := range cases {
		cfg := Default()
		cfg.SleepTimeoutSecs = c.secs
		err := cfg.Validate()
		if (err == nil) != c.ok {
			t.Errorf("sleep-timeout %d: err = %v, want ok=%v", c.secs, err, c.ok)
		}
	}
}

func TestValidateDecimation(t *testing.T) {
	cfg := Default()
	cfg.IMUDecimation = 0
	if cfg.Validate() == nil {
		t.Error("decimation 0 accepted")
	}
	cfg.IMUDecimation = 1
	if err := cfg.Validate(); err != nil {
		t.Errorf("decimation 1 rejected: %v", err)
	}
}

func TestLoadWritesDefaultsWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "power-conf.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IMUDecimation != 1 || cfg.Connection != "mqtt" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults not written back: %v", err)
	}
}

func TestLoadResetsCorruptBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "power-conf.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HighSpeedBatch != 160 {
		t.Errorf("corrupt blob did not fall back to defaults: %+v", cfg)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "power-conf.json")
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	next := *Get()
	next.Left.ZeroOffset = 9_848_390
	next.SleepTimeoutSecs = 120
	if err := Set(&next); err != nil {
		t.Fatal(err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Left.ZeroOffset != 9_848_390 || again.SleepTimeoutSecs != 120 {
		t.Errorf("round trip lost values: %+v", again)
	}
}

func TestApplyJSONRejectsAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "power-conf.json")
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	before := Get()

	if err := ApplyJSON([]byte(`{"sleep-timeout-secs": 5}`)); err == nil {
		t.Fatal("invalid payload accepted")
	}
	if Get() != before {
		t.Error("rejected payload replaced the snapshot")
	}

	if err := ApplyJSON([]byte(`{"imu-decimation": 4, "right": {"zero-offset": 6252516, "coefficient": 1}}`)); err != nil {
		t.Fatal(err)
	}
	after := Get()
	if after.IMUDecimation != 4 || after.Right.ZeroOffset != 6_252_516 {
		t.Errorf("valid payload not applied: %+v", after)
	}
	// Fields absent from the payload keep their previous values.
	if after.Left.Coefficient != before.Left.Coefficient {
		t.Error("untouched field changed")
	}
}
