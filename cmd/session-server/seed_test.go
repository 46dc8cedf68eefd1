package main

import (
	"context"
	"testing"

	"github.com/fpang/clinical-session-insights/internal/store"
)

func TestSeed(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	seedName, seedDiagnosis, seedDOB = "Asha", "GAD", "1990-04-01"
	t.Cleanup(func() { seedName, seedDiagnosis, seedDOB, seedPatientID = "Patient", "", "", "" })

	patient, sess, err := seed(ctx, s)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got == nil || got.Status != store.StatusStarted || got.PatientID != patient.ID {
		t.Errorf("session = %+v", got)
	}
	p, _ := s.GetPatient(ctx, patient.ID)
	if p == nil || p.Name != "Asha" || p.Diagnosis != "GAD" {
		t.Errorf("patient = %+v", p)
	}

	// A second session for the same patient.
	seedPatientID = patient.ID
	_, sess2, err := seed(ctx, s)
	if err != nil || sess2.PatientID != patient.ID || sess2.ID == sess.ID {
		t.Errorf("reuse patient: %v %+v", err, sess2)
	}

	seedPatientID = "missing"
	if _, _, err := seed(ctx, s); err == nil {
		t.Error("unknown patient id should fail")
	}

	seedPatientID, seedDOB = "", "01/04/1990"
	if _, _, err := seed(ctx, s); err == nil {
		t.Error("bad dob should fail")
	}
}
