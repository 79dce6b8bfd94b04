package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

func TestBuildMemory(t *testing.T) {
	cfg := &config.Config{
		StoreDriver:          config.DriverMemory,
		GracePeriodMinutes:   30,
		ReminderHorizonHours: 12,
		ReconcileBatchSize:   10,
	}
	a, err := Build(context.Background(), cfg, prometheus.NewRegistry(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	if a.Pool != nil {
		t.Error("memory driver should not open a pool")
	}
	if err := a.Ready(context.Background()); err != nil {
		t.Errorf("Ready: %v", err)
	}
	if got := a.Engine.Config().GracePeriod; got != 30*time.Minute {
		t.Errorf("grace = %v", got)
	}

	total := 2
	p, err := a.Engine.RegisterPrescription(context.Background(), medication.Registration{
		DependentID: "dep-1",
		Name:        "Metformin",
		Dosage:      "850mg",
		StartAt:     time.Now().Add(time.Hour),
		Interval:    12 * time.Hour,
		TotalDoses:  &total,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	doses, err := a.Engine.Doses(context.Background(), p.ID)
	if err != nil || len(doses) != 1 {
		t.Errorf("doses = %d, %v; want 1 within a 12h horizon", len(doses), err)
	}
}
