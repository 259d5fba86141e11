package biometric

import (
	"context"
	"errors"
	"log/slog"

	"geoattend/internal/faceclient"
)

// CaptureSource yields the URL of the most recent face capture uploaded by
// the student.
type CaptureSource interface {
	CaptureURL() string
}

// FaceService verifies a face capture server side through the face
// recognition microservice. Fingerprints cannot be checked remotely and are
// reported as unsupported.
type FaceService struct {
	client    *faceclient.Client
	studentID string
	captures  CaptureSource
	log       *slog.Logger
}

// NewFaceService binds a face client to one student's captures.
func NewFaceService(client *faceclient.Client, studentID string, captures CaptureSource, log *slog.Logger) *FaceService {
	if log == nil {
		log = slog.Default()
	}
	return &FaceService{client: client, studentID: studentID, captures: captures, log: log}
}

func (f *FaceService) Capabilities(ctx context.Context) (Capabilities, error) {
	if err := f.client.Health(ctx); err != nil {
		return Capabilities{}, err
	}
	return Capabilities{Hardware: true, Enrolled: []Kind{Face}}, nil
}

func (f *FaceService) Authenticate(ctx context.Context, kind Kind) (Outcome, error) {
	if kind != Face {
		return Unsupported, nil
	}
	url := f.captures.CaptureURL()
	if url == "" {
		return Failure, errors.New("no face capture uploaded")
	}
	live, err := f.client.Liveness(ctx, url)
	if err != nil {
		return Failure, err
	}
	if !live.IsLive {
		f.log.Info("face capture failed liveness", "student_id", f.studentID, "confidence", live.Confidence)
		return Failure, nil
	}
	res, err := f.client.Verify(ctx, f.studentID, url)
	if err != nil {
		return Failure, err
	}
	if !res.Verified {
		f.log.Info("face capture did not match", "student_id", f.studentID, "similarity", res.Similarity, "threshold", res.Threshold)
		return Failure, nil
	}
	return Success, nil
}
