package lifecycle

import "civicsync-be/models"

// transitions is the adjacency table for Transition. The resolved → closed
// edge is applied by Close, and the duplicate status only by MarkDuplicate.
var transitions = map[models.IssueStatus][]models.IssueStatus{
	models.StatusSubmitted: {
		models.StatusUnderReview, models.StatusAssigned, models.StatusRejected, models.StatusEscalated,
	},
	models.StatusUnderReview: {
		models.StatusAssigned, models.StatusRejected, models.StatusEscalated,
	},
	models.StatusAssigned: {
		models.StatusInProgress, models.StatusUnderReview, models.StatusRejected, models.StatusEscalated,
	},
	models.StatusInProgress: {
		models.StatusResolved, models.StatusAssigned, models.StatusEscalated,
	},
	models.StatusEscalated: {
		models.StatusUnderReview, models.StatusAssigned, models.StatusInProgress, models.StatusRejected,
	},
	models.StatusReopened: {
		models.StatusUnderReview, models.StatusAssigned, models.StatusInProgress, models.StatusEscalated,
	},
	models.StatusResolved: {models.StatusReopened},
	models.StatusClosed:   {models.StatusReopened},
	models.StatusRejected: {models.StatusReopened},
}

// duplicateSources are the statuses an issue can be marked duplicate from.
var duplicateSources = []models.IssueStatus{
	models.StatusSubmitted, models.StatusUnderReview, models.StatusAssigned,
	models.StatusEscalated, models.StatusReopened,
}

// CanTransition reports whether Transition accepts from → to.
func CanTransition(from, to models.IssueStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses lists the statuses Transition accepts from s.
func NextStatuses(s models.IssueStatus) []models.IssueStatus {
	return append([]models.IssueStatus{}, transitions[s]...)
}

// IsTerminal reports whether only a reopen (or nothing, for duplicates) is
// accepted from s.
func IsTerminal(s models.IssueStatus) bool {
	switch s {
	case models.StatusResolved, models.StatusClosed, models.StatusRejected, models.StatusDuplicate:
		return true
	}
	return false
}

func canMarkDuplicate(from models.IssueStatus) bool {
	for _, s := range duplicateSources {
		if s == from {
			return true
		}
	}
	return false
}
