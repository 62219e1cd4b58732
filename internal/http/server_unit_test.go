package http

import (
	"testing"

	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/model"
)

func TestNormalizeStatus(t *testing.T) {
	valid := []string{"pending", "verified", "in-progress", "resolved", " Resolved "}
	for _, status := range valid {
		if _, err := normalizeStatus(status); err != nil {
			t.Fatalf("expected status %q to be valid", status)
		}
	}
	for _, status := range []string{"", "done", "closed", "in progress"} {
		if _, err := normalizeStatus(status); err == nil {
			t.Fatalf("expected status %q to be invalid", status)
		}
	}
}

func TestValidLocation(t *testing.T) {
	if !validLocation(model.NewGeoPoint(36.8219, -1.2921)) {
		t.Fatalf("expected Nairobi coordinates to be valid")
	}
	cases := []model.GeoPoint{
		{Type: "Point", Coordinates: []float64{}},
		{Type: "Point", Coordinates: []float64{36.8219}},
		{Type: "Point", Coordinates: []float64{36.8219, -1.2921, 0}},
		{Type: "Polygon", Coordinates: []float64{36.8219, -1.2921}},
		{Type: "Point", Coordinates: []float64{181, 0}},
		{Type: "Point", Coordinates: []float64{0, 91}},
	}
	for _, point := range cases {
		if validLocation(point) {
			t.Fatalf("expected %+v to be invalid", point)
		}
	}
}

func TestParseDateRange(t *testing.T) {
	filter, err := parseDateRange("", "")
	if err != nil || filter.Start != nil || filter.End != nil {
		t.Fatalf("expected empty filter, got %+v err=%v", filter, err)
	}

	// One bound alone is ignored, matching the source behavior.
	filter, err = parseDateRange("2026-01-01", "")
	if err != nil || filter.Start != nil {
		t.Fatalf("expected open filter with single bound, got %+v err=%v", filter, err)
	}

	filter, err = parseDateRange("2026-01-01", "2026-02-01")
	if err != nil || filter.Start == nil || filter.End == nil {
		t.Fatalf("expected bounded filter, got %+v err=%v", filter, err)
	}
	if !filter.End.After(*filter.Start) {
		t.Fatalf("expected end after start")
	}

	if _, err := parseDateRange("notadate", "2026-02-01"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAlertPatchForRoleDriver(t *testing.T) {
	alert := model.Alert{ID: "a1", ReportedBy: "d1", Status: model.StatusPending}
	owner := model.Principal{ID: "d1", Role: model.RoleDriver}
	stranger := model.Principal{ID: "d2", Role: model.RoleDriver}

	newType := "Accident"
	newStatus := "resolved"
	update, errMsg := alertPatchForRole(owner, alert, updateAlertRequest{Type: &newType, Status: &newStatus})
	if errMsg != "" {
		t.Fatalf("expected owner update to pass, got %q", errMsg)
	}
	if update.Type == nil || *update.Type != "Accident" {
		t.Fatalf("expected type patch to survive")
	}
	if update.Status != nil {
		t.Fatalf("expected status patch to be dropped for a driver")
	}

	if _, errMsg := alertPatchForRole(stranger, alert, updateAlertRequest{Type: &newType}); errMsg != "Not authorized" {
		t.Fatalf("expected non-owner driver to be rejected, got %q", errMsg)
	}

	badType := "Earthquake"
	if _, errMsg := alertPatchForRole(owner, alert, updateAlertRequest{Type: &badType}); errMsg == "" {
		t.Fatalf("expected invalid type to be rejected")
	}
}

func TestAlertPatchForRolePatrol(t *testing.T) {
	patrolID := "p1"
	alert := model.Alert{ID: "a1", ReportedBy: "d1", AssignedTo: &patrolID, Status: model.StatusVerified}
	assigned := model.Principal{ID: "p1", Role: model.RolePatrol}
	other := model.Principal{ID: "p2", Role: model.RolePatrol}

	newStatus := "in-progress"
	newType := "Accident"
	reroute := "Use Waiyaki Way"
	update, errMsg := alertPatchForRole(assigned, alert, updateAlertRequest{
		Status:            &newStatus,
		Type:              &newType,
		RerouteSuggestion: &reroute,
	})
	if errMsg != "" {
		t.Fatalf("expected assigned patrol update to pass, got %q", errMsg)
	}
	if update.Status == nil || *update.Status != "in-progress" {
		t.Fatalf("expected status patch to survive")
	}
	if update.RerouteSuggestion == nil {
		t.Fatalf("expected reroute patch to survive")
	}
	if update.Type != nil {
		t.Fatalf("expected type patch to be dropped for a patrol")
	}

	if _, errMsg := alertPatchForRole(other, alert, updateAlertRequest{Status: &newStatus}); errMsg != "Not authorized" {
		t.Fatalf("expected unassigned patrol to be rejected, got %q", errMsg)
	}

	badStatus := "closed"
	if _, errMsg := alertPatchForRole(assigned, alert, updateAlertRequest{Status: &badStatus}); errMsg != "Invalid status" {
		t.Fatalf("expected invalid status to be rejected, got %q", errMsg)
	}
}

func TestAlertPatchForRoleAdmin(t *testing.T) {
	alert := model.Alert{ID: "a1", ReportedBy: "d1", Status: model.StatusPending}
	admin := model.Principal{ID: "adm", Role: model.RoleAdmin}

	newType := "Construction"
	newStatus := "verified"
	assignee := "p1"
	update, errMsg := alertPatchForRole(admin, alert, updateAlertRequest{
		Type:       &newType,
		Status:     &newStatus,
		AssignedTo: &assignee,
	})
	if errMsg != "" {
		t.Fatalf("expected admin update to pass, got %q", errMsg)
	}
	if update.Type == nil || update.Status == nil || update.AssignedTo == nil {
		t.Fatalf("expected admin to patch all fields, got %+v", update)
	}
}

func TestRoleAllowed(t *testing.T) {
	allowed := []model.Role{model.RoleDriver, model.RoleAdmin}
	if !roleAllowed(model.RoleDriver, allowed) {
		t.Fatalf("expected driver to be allowed")
	}
	if roleAllowed(model.RolePatrol, allowed) {
		t.Fatalf("expected patrol to be rejected")
	}
}

func TestPatrolOnAlert(t *testing.T) {
	assignee := "p1"
	verifier := "p2"
	alert := model.Alert{AssignedTo: &assignee, VerifiedBy: &verifier}
	if !patrolOnAlert("p1", alert) || !patrolOnAlert("p2", alert) {
		t.Fatalf("expected assigned and verifying patrols to match")
	}
	if patrolOnAlert("p3", alert) {
		t.Fatalf("expected unrelated patrol to be rejected")
	}
	if patrolOnAlert("p1", model.Alert{}) {
		t.Fatalf("expected unassigned alert to match nobody")
	}
}
