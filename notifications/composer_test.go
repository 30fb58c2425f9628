package notifications

import (
	"testing"
	"time"

	"civicsync-be/lifecycle"
	"civicsync-be/models"

	"github.com/stretchr/testify/require"
)

func sampleIssue() *models.Issue {
	deadline := time.Date(2025, 7, 3, 8, 0, 0, 0, time.UTC)
	return &models.Issue{
		Number:          "CS-2025-000123",
		Title:           "Streetlight out",
		Category:        models.Electricity,
		Status:          models.StatusInProgress,
		EscalationLevel: 2,
		SLADeadline:     &deadline,
	}
}

func TestComposer_KnownEvents(t *testing.T) {
	c := NewComposer()
	dept := &models.Department{Name: "Electrical"}
	user := models.User{Name: "Asha"}

	tests := []struct {
		event   lifecycle.EventType
		in      Input
		subject string
		body    []string
	}{
		{
			event:   lifecycle.EventIssueCreated,
			in:      Input{Issue: sampleIssue()},
			subject: "Issue CS-2025-000123 received",
			body:    []string{"Hello Asha,", `"Streetlight out" (Electricity)`, "registered as CS-2025-000123"},
		},
		{
			event:   lifecycle.EventStatusChanged,
			in:      Input{Issue: sampleIssue(), PrevStatus: models.StatusAssigned, Notes: "crew on site"},
			subject: "Issue CS-2025-000123 is now in progress",
			body:    []string{"changed from assigned to in progress", "Note: crew on site"},
		},
		{
			event:   lifecycle.EventAssigned,
			in:      Input{Issue: sampleIssue(), Department: dept},
			subject: "Issue CS-2025-000123 assigned to Electrical",
			body:    []string{"has been assigned to Electrical", "Target resolution: Thu, 03 Jul 2025 08:00:00 UTC"},
		},
		{
			event:   lifecycle.EventEscalated,
			in:      Input{Issue: sampleIssue(), Notes: "no response"},
			subject: "Issue CS-2025-000123 escalated to level 2",
			body:    []string{"currently in progress", "Reason: no response"},
		},
		{
			event:   lifecycle.EventSLABreached,
			in:      Input{Issue: sampleIssue(), Department: dept},
			subject: "SLA breached: CS-2025-000123",
			body:    []string{"handled by Electrical", "deadline of Thu, 03 Jul 2025 08:00:00 UTC", "still in progress"},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			require.True(t, c.Has(tt.event))
			msg, ok := c.Compose(tt.event, tt.in, user)
			require.True(t, ok)
			require.Equal(t, tt.subject, msg.Subject)
			for _, fragment := range tt.body {
				require.Contains(t, msg.Body, fragment)
			}
		})
	}
}

func TestComposer_StatusWithoutNotes(t *testing.T) {
	msg, ok := NewComposer().Compose(lifecycle.EventStatusChanged, Input{Issue: sampleIssue(), PrevStatus: models.StatusAssigned}, models.User{})
	require.True(t, ok)
	require.NotContains(t, msg.Body, "Note:")
	require.Contains(t, msg.Body, "Hello there,")
}

func TestComposer_Digest(t *testing.T) {
	c := NewComposer()
	digest := &lifecycle.Digest{
		Department: models.Department{Name: "Roads"},
		Open:       7,
		Overdue:    2,
		NewByCat:   map[models.IssueCategory]int{models.Road: 3},
	}

	msg, ok := c.Compose(lifecycle.EventDailyDigest, Input{Digest: digest}, models.User{Name: "Ravi"})
	require.True(t, ok)
	require.Equal(t, "Daily digest for Roads", msg.Subject)
	require.Contains(t, msg.Body, "Open issues: 7\nOverdue: 2\nNew in the last 24 hours:\n  Road: 3")

	digest.NewByCat = nil
	msg, ok = c.Compose(lifecycle.EventDailyDigest, Input{Digest: digest}, models.User{})
	require.True(t, ok)
	require.Contains(t, msg.Body, "New in the last 24 hours: none")
}

func TestComposer_NothingToSend(t *testing.T) {
	c := NewComposer()
	for _, ev := range []lifecycle.EventType{lifecycle.EventVoteCast, lifecycle.EventCommentAdded, "made_up"} {
		require.False(t, c.Has(ev))
		_, ok := c.Compose(ev, Input{Issue: sampleIssue()}, models.User{})
		require.False(t, ok, ev)
	}

	_, ok := c.Compose(lifecycle.EventDailyDigest, Input{Issue: sampleIssue()}, models.User{})
	require.False(t, ok)
	_, ok = c.Compose(lifecycle.EventStatusChanged, Input{}, models.User{})
	require.False(t, ok)
}
