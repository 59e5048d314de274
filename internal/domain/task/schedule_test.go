package task_test

import (
	"testing"
	"time"

	"github.com/runforge/runforge/internal/domain/task"
)

func TestNextFire_CronHourly(t *testing.T) {
	tk := &task.Task{Kind: task.KindCron, Enabled: true, CronExpression: "0 * * * *"}
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	fire, err := tk.NextFire(now)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	want := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	if fire == nil || !fire.Equal(want) {
		t.Errorf("NextFire = %v, want %v", fire, want)
	}
}

func TestNextFire_OneShot(t *testing.T) {
	tk := &task.Task{Kind: task.KindOneShot}
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	fire, err := tk.NextFire(now)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	if fire == nil || !fire.Equal(now) {
		t.Errorf("NextFire = %v, want %v", fire, now)
	}
}

func TestNextFire_Disabled(t *testing.T) {
	tk := &task.Task{Kind: task.KindCron, Enabled: false, CronExpression: "0 * * * *"}

	fire, err := tk.NextFire(time.Now())
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	if fire != nil {
		t.Errorf("expected nil fire time for disabled task, got %v", fire)
	}
}

func TestNextFire_EventDriven(t *testing.T) {
	tk := &task.Task{Kind: task.KindEventDriven, Enabled: true}

	fire, err := tk.NextFire(time.Now())
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	if fire != nil {
		t.Errorf("expected nil fire time for event-driven task, got %v", fire)
	}
}

func TestNextFire_InvalidExpression(t *testing.T) {
	tk := &task.Task{Kind: task.KindCron, Enabled: true, CronExpression: "not a cron"}

	if _, err := tk.NextFire(time.Now()); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestValidateCronExpression(t *testing.T) {
	if err := task.ValidateCronExpression("*/5 * * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := task.ValidateCronExpression("61 * * * *"); err == nil {
		t.Error("expected error for out-of-range minute")
	}
}
