package sched

import "testing"

func bareTask(t *testing.T, priority int, status Status, wants bool) *Task {
	t.Helper()
	task, err := NewTask(spin, nil, testSettings(priority), nil, nil)
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	task.status = status
	task.wantsToRun = wants
	return task
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b *Task
		want int
	}{
		{"wants to run beats priority", bareTask(t, 1, StatusWaitingForActivation, true), bareTask(t, 9, StatusCreated, false), -1},
		{"higher priority first", bareTask(t, 5, StatusWaitingForActivation, true), bareTask(t, 2, StatusWaitingForActivation, true), -1},
		{"lower priority last", bareTask(t, 2, StatusCreated, false), bareTask(t, 5, StatusCreated, false), 1},
		{"status bucket before priority", bareTask(t, 1, StatusCanceled, false), bareTask(t, 9, StatusCreated, false), -1},
		{"completed before faulted", bareTask(t, 1, StatusRanToCompletion, false), bareTask(t, 1, StatusFaulted, false), -1},
		{"equal tasks tie", bareTask(t, 3, StatusCreated, false), bareTask(t, 3, StatusCreated, false), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCompareStatus_BucketOrder(t *testing.T) {
	order := []Status{
		StatusRanToCompletion,
		StatusFaulted,
		StatusCanceled,
		StatusWaitingToRun,
		StatusWaitingForActivation,
		StatusCreated,
	}
	for i := 0; i+1 < len(order); i++ {
		if got := CompareStatus(order[i], order[i+1]); got >= 0 {
			t.Errorf("CompareStatus(%s, %s) = %d, want < 0", order[i], order[i+1], got)
		}
	}
}

// TestReadyQueue_FIFOWithinPriority verifies the documented tie-break.
// Given: three tasks of equal priority pushed in order
// When: the queue is drained
// Then: they come out in push order, after the higher priority task
func TestReadyQueue_FIFOWithinPriority(t *testing.T) {
	// Arrange
	q := newReadyQueue()
	first := bareTask(t, 2, StatusWaitingForActivation, true)
	second := bareTask(t, 2, StatusWaitingForActivation, true)
	third := bareTask(t, 2, StatusWaitingForActivation, true)
	urgent := bareTask(t, 7, StatusWaitingForActivation, true)

	// Act
	q.push(first, 1)
	q.push(second, 2)
	q.push(third, 3)
	q.push(urgent, 4)

	// Assert
	want := []*Task{urgent, first, second, third}
	for i, w := range want {
		got := q.pop()
		if got != w {
			t.Fatalf("pop %d = %v, want %v", i, got, w)
		}
	}
	if q.pop() != nil {
		t.Error("queue should be empty")
	}
}

func TestReadyQueue_PushReplacesEntry(t *testing.T) {
	q := newReadyQueue()
	task := bareTask(t, 1, StatusCreated, false)
	other := bareTask(t, 3, StatusCreated, false)
	q.push(task, 1)
	q.push(other, 2)

	task.wantsToRun = true
	task.status = StatusWaitingForActivation
	q.push(task, 3)

	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}
	if head := q.peek(); head != task {
		t.Errorf("head = %v, want the re-filed ready task", head)
	}
	if !q.remove(other.ID()) || q.contains(other.ID()) {
		t.Error("remove did not drop the entry")
	}
}

func TestStatus_TextRoundTrip(t *testing.T) {
	for st := range statusNames {
		text, _ := st.MarshalText()
		var got Status
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) failed: %v", text, err)
		}
		if got != st {
			t.Errorf("round trip of %s = %s", st, got)
		}
	}
	if _, err := ParseStatus("sleeping"); err == nil {
		t.Error("ParseStatus accepted an unknown status")
	}
}
