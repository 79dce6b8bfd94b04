package main

import (
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-dosewatch/internal/config"
)

func TestRunRejectsMemoryDriver(t *testing.T) {
	cfg := &config.Config{StoreDriver: config.DriverMemory}

	err := run(cfg, zaptest.NewLogger(t), true, "127.0.0.1:0")
	if err == nil {
		t.Fatal("run with the memory driver should fail")
	}
	if !strings.Contains(err.Error(), "shared store") {
		t.Errorf("err = %v", err)
	}
}
