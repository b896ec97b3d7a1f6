package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
)

type uploadResponse struct {
	BoundaryGeoJSON json.RawMessage `json:"boundary_geojson"`
}

// handleUpload extracts a boundary from an uploaded GeoJSON document, a
// bare .shp file or a zipped shapefile.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Code: CodeBadRequest, Message: "upload too large"})
			return
		}
		writeBadRequest(w, "expected multipart form with a file field")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck

	var b model.Boundary
	ext := strings.ToLower(filepath.Ext(header.Filename))
	switch ext {
	case ".geojson", ".json":
		data, readErr := io.ReadAll(file)
		if readErr != nil {
			writeError(w, r, eris.Wrap(readErr, "api: read upload"))
			return
		}
		b, err = geometry.DecodeFeatures(data)
	case ".shp":
		b, err = readSpooled(file, ext, geometry.ReadShapefile)
	case ".zip":
		b, err = readSpooled(file, ext, geometry.ReadZippedShapefile)
	default:
		writeBadRequest(w, "unsupported file type "+ext+"; expected .geojson, .json, .shp or .zip")
		return
	}
	if err != nil {
		writeError(w, r, model.WrapKind(model.InvalidGeometry, err, "no usable polygon in "+header.Filename))
		return
	}
	if issues := geometry.Check(b); len(issues) > 0 {
		writeError(w, r, model.Errorf(model.InvalidGeometry, "%s", issues[0].Message))
		return
	}

	out, err := geometry.MarshalGeoJSON(b)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{BoundaryGeoJSON: out})
}

// readSpooled copies the upload to a temp file with the given extension so
// the shapefile readers can open it by path.
func readSpooled(src io.Reader, ext string, read func(string) (model.Boundary, error)) (model.Boundary, error) {
	tmp, err := os.CreateTemp("", "stage0-upload-*"+ext)
	if err != nil {
		return model.Boundary{}, eris.Wrap(err, "api: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return model.Boundary{}, eris.Wrap(err, "api: spool upload")
	}
	if err := tmp.Close(); err != nil {
		return model.Boundary{}, eris.Wrap(err, "api: close temp file")
	}
	return read(tmp.Name())
}
