package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/facewatch/internal/types"
)

var (
	// ErrNoFaceDetected aborts a save when the image has no face.
	ErrNoFaceDetected = errors.New("no face detected in image")
	// ErrMultipleFacesDetected aborts a single-face save.
	ErrMultipleFacesDetected = errors.New("multiple faces detected in image; please provide an image with only one face")
	// ErrBadImage is returned for images that cannot be decoded.
	ErrBadImage = errors.New("image could not be decoded")
)

// enrollMaxSide bounds enrollment images before they go to the engine.
const enrollMaxSide = 1024

// FaceSource is one (name, image) pair for bulk loading.
type FaceSource struct {
	Name  string
	Image []byte
}

// SkippedFace records why a bulk-load entry was not registered.
type SkippedFace struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// LoadReport summarises a bulk load.
type LoadReport struct {
	Loaded  []string      `json:"loaded"`
	Skipped []SkippedFace `json:"skipped"`
}

// LoadKnownFaces runs the engine once per source and registers the most
// confident face in each image. Entries without a face, or whose name is
// already registered, are skipped with a warning. progress, if set, is
// called after each entry.
func (s *Session) LoadKnownFaces(ctx context.Context, sources []FaceSource, progress func(done int)) (LoadReport, error) {
	var report LoadReport
	eng, err := s.currentEngine()
	if err != nil {
		return report, err
	}

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := s.loadOne(ctx, eng, src)
		if err != nil {
			s.opts.Reporter.Warnf("Skipping %s: %v", src.Name, err)
			report.Skipped = append(report.Skipped, SkippedFace{Name: src.Name, Err: err})
		} else {
			report.Loaded = append(report.Loaded, src.Name)
		}
		if progress != nil {
			progress(i + 1)
		}
	}
	return report, nil
}

func (s *Session) loadOne(ctx context.Context, eng Engine, src FaceSource) error {
	prepared, err := prepareImage(src.Image)
	if err != nil {
		return err
	}
	dets, err := faces(ctx, eng, prepared, s.opts.MinConfidence)
	if err != nil {
		return err
	}
	if len(dets) == 0 {
		return ErrNoFaceDetected
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Score > best.Score {
			best = d
		}
	}
	return s.enroll(ctx, types.Identity{Name: src.Name, Embedding: best.Descriptor}, prepared)
}

// SaveFace registers name from an image containing exactly one face.
// On any error nothing is changed.
func (s *Session) SaveFace(ctx context.Context, name string, img []byte) (types.Identity, error) {
	eng, err := s.currentEngine()
	if err != nil {
		return types.Identity{}, err
	}
	prepared, err := prepareImage(img)
	if err != nil {
		return types.Identity{}, err
	}
	dets, err := faces(ctx, eng, prepared, s.opts.MinConfidence)
	if err != nil {
		return types.Identity{}, err
	}
	switch {
	case len(dets) == 0:
		return types.Identity{}, ErrNoFaceDetected
	case len(dets) > 1:
		return types.Identity{}, fmt.Errorf("%w (found %d)", ErrMultipleFacesDetected, len(dets))
	}

	id := types.Identity{Name: name, Embedding: dets[0].Descriptor}
	if err := s.enroll(ctx, id, prepared); err != nil {
		return types.Identity{}, err
	}
	saved, _ := s.registry.Get(name)
	s.opts.Reporter.Infof("Face saved for %s", saved.Name)
	return saved, nil
}

// SaveCurrentFace registers name from the camera's latest frame.
func (s *Session) SaveCurrentFace(ctx context.Context, name string) (types.Identity, error) {
	frame, ok := s.currentFrame()
	if !ok {
		return types.Identity{}, ErrNoFrame
	}
	return s.SaveFace(ctx, name, frame.Data)
}

// RestoreIdentities registers already-computed embeddings, e.g. from the
// store on start-up. Invalid or duplicate entries are skipped.
func (s *Session) RestoreIdentities(ids []types.Identity) LoadReport {
	var report LoadReport
	for _, id := range ids {
		if err := s.registry.Add(id); err != nil {
			s.opts.Reporter.Warnf("Skipping stored face %s: %v", id.Name, err)
			report.Skipped = append(report.Skipped, SkippedFace{Name: id.Name, Err: err})
			continue
		}
		report.Loaded = append(report.Loaded, id.Name)
	}
	return report
}

// DeleteFace forgets one identity.
func (s *Session) DeleteFace(ctx context.Context, name string) error {
	if err := s.registry.Remove(name); err != nil {
		return err
	}
	s.debouncer.Forget(name)
	if s.opts.FaceStore != nil {
		if err := s.opts.FaceStore.DeleteFace(ctx, name); err != nil {
			return fmt.Errorf("removed from session but not from store: %w", err)
		}
	}
	return nil
}

// ClearFaces forgets every identity and returns how many were removed.
func (s *Session) ClearFaces(ctx context.Context) (int, error) {
	n := s.registry.Clear()
	s.debouncer.Reset()
	if s.opts.FaceStore != nil {
		if _, err := s.opts.FaceStore.ClearFaces(ctx); err != nil {
			return n, fmt.Errorf("cleared session but not store: %w", err)
		}
	}
	return n, nil
}

// enroll adds to the registry, then to the store; a store failure undoes
// the registry add.
func (s *Session) enroll(ctx context.Context, id types.Identity, img []byte) error {
	if err := s.registry.Add(id); err != nil {
		return err
	}
	if s.opts.FaceStore == nil {
		return nil
	}
	stored, _ := s.registry.Get(id.Name)
	if _, err := s.opts.FaceStore.SaveFace(ctx, stored, img); err != nil {
		_ = s.registry.Remove(id.Name)
		return fmt.Errorf("failed to persist face: %w", err)
	}
	return nil
}

// faces runs the engine and keeps only detections that carry a descriptor.
func faces(ctx context.Context, eng Engine, img []byte, minConfidence float64) ([]types.Detection, error) {
	dets, err := eng.Detect(ctx, img, minConfidence)
	if err != nil {
		return nil, err
	}
	out := dets[:0:0]
	for _, d := range dets {
		if d.HasDescriptor() {
			out = append(out, d)
		}
	}
	return out, nil
}

// prepareImage applies EXIF orientation, bounds the size and re-encodes as JPEG.
func prepareImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	if b := img.Bounds(); b.Dx() > enrollMaxSide || b.Dy() > enrollMaxSide {
		img = imaging.Fit(img, enrollMaxSide, enrollMaxSide, imaging.Lanczos)
	}
	return encodeJPEG(img)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
