package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/thapasuman5202/Engineering/internal/geometry"
	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a boundary file (.geojson, .json, .shp or .zip)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := validateFile(args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "encode result")
		}
		if !res.Valid {
			return eris.Errorf("%s: %d validation errors", args[0], len(res.Errors))
		}
		return nil
	},
}

// validateFile runs the geometry checks on a boundary file. Unreadable
// shapefiles are reported as malformed.
func validateFile(path string) (model.ValidationResult, error) {
	var b model.Boundary
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		b, err = geometry.ReadShapefile(path)
	case ".zip":
		b, err = geometry.ReadZippedShapefile(path)
	default:
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return model.ValidationResult{}, eris.Wrapf(readErr, "read %s", path)
		}
		return validate.New(nil).ValidateGeometry(data), nil
	}
	if err != nil {
		return model.NewValidationResult([]model.Issue{{Code: geometry.CodeMalformed, Message: err.Error()}}), nil
	}
	return model.NewValidationResult(geometry.Check(b)), nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
