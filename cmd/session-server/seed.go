package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/clinical-session-insights/internal/logging"
	"github.com/fpang/clinical-session-insights/internal/store"
)

var (
	seedName      string
	seedDiagnosis string
	seedDOB       string
	seedAddress   string
	seedPatientID string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a patient and a STARTED session in the configured store",
	Long: `Seed creates a patient record (or reuses one with --patient-id) and a new
session in STARTED status, then prints both ids. Connect a client to
/ws/session/<session-id>/ to begin streaming.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedName, "name", "Patient", "Patient name")
	seedCmd.Flags().StringVar(&seedDiagnosis, "diagnosis", "", "Patient diagnosis")
	seedCmd.Flags().StringVar(&seedDOB, "dob", "", "Patient date of birth (YYYY-MM-DD)")
	seedCmd.Flags().StringVar(&seedAddress, "address", "", "Patient address")
	seedCmd.Flags().StringVar(&seedPatientID, "patient-id", "", "Existing patient id to attach the session to")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := bootstrap(ctx, logging.NewStartupLogger(serviceName+"-seed"))
	if err != nil {
		return err
	}
	defer a.Close()

	patient, sess, err := seed(ctx, a.store)
	if err != nil {
		return err
	}
	log.Info().Str("patientId", patient.ID).Str("sessionId", sess.ID).Msg("Seeded session")
	fmt.Fprintf(cmd.OutOrStdout(), "patient_id=%s\nsession_id=%s\n", patient.ID, sess.ID)
	return nil
}

func seed(ctx context.Context, s store.SessionStore) (*store.Patient, *store.Session, error) {
	now := time.Now().UTC()

	var patient *store.Patient
	if seedPatientID != "" {
		p, err := s.GetPatient(ctx, seedPatientID)
		if err != nil {
			return nil, nil, err
		}
		if p == nil {
			return nil, nil, fmt.Errorf("patient %s not found", seedPatientID)
		}
		patient = p
	} else {
		if seedDOB != "" {
			if _, err := time.Parse(time.DateOnly, seedDOB); err != nil {
				return nil, nil, fmt.Errorf("invalid --dob %q: %w", seedDOB, err)
			}
		}
		patient = &store.Patient{
			ID:        uuid.NewString(),
			Name:      seedName,
			DOB:       seedDOB,
			Address:   seedAddress,
			Diagnosis: seedDiagnosis,
			CreatedAt: now,
		}
		if err := s.PutPatient(ctx, patient); err != nil {
			return nil, nil, err
		}
	}

	sess := &store.Session{
		ID:          uuid.NewString(),
		PatientID:   patient.ID,
		Status:      store.StatusStarted,
		StartedAt:   now,
		AudioEvents: []store.Event{},
		VideoEvents: []store.Event{},
	}
	if err := s.PutSession(ctx, sess); err != nil {
		return nil, nil, err
	}
	return patient, sess, nil
}
