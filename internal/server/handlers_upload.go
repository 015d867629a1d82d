package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/ontree-co/flashnode/internal/artifact"
	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/operation"
	"github.com/ontree-co/flashnode/internal/programmer"
	"github.com/ontree-co/flashnode/internal/serialport"
)

// parseBool accepts the truthy spellings HTML forms and scripts commonly send
func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// listValues flattens repeated fields and comma separated values, dropping empty entries
func listValues(values []string) []string {
	var result []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				result = append(result, item)
			}
		}
	}
	return result
}

// parseOptions builds the programmer options from form fields. Precedence from low to
// high: built-in defaults, configured serial port, board profile, explicit fields.
func (s *Server) parseOptions(form url.Values) (programmer.Options, error) {
	opts := programmer.DefaultOptions()
	if s.config.SerialPort != "" {
		opts.Port = s.config.SerialPort
	}

	if name := strings.TrimSpace(form.Get("profile")); name != "" {
		profile, err := s.profiles.Get(name)
		if err != nil {
			return programmer.Options{}, err
		}
		opts = profile.Apply(opts)
	}

	stringFields := map[string]*string{
		"part":        &opts.Part,
		"programmer":  &opts.Programmer,
		"port":        &opts.Port,
		"baud":        &opts.Baud,
		"bitclock":    &opts.BitClock,
		"config_file": &opts.ConfigFile,
	}
	for key, target := range stringFields {
		if value := strings.TrimSpace(form.Get(key)); value != "" {
			*target = value
		}
	}

	boolFields := map[string]*bool{
		"disable_auto_erase": &opts.DisableAutoErase,
		"disable_verify":     &opts.DisableVerify,
		"verbose":            &opts.Verbose,
		"extra_verbose":      &opts.ExtraVerbose,
		"quiet":              &opts.Quiet,
		"force":              &opts.Force,
		"erase_chip":         &opts.EraseChip,
	}
	for key, target := range boolFields {
		if _, ok := form[key]; ok {
			*target = parseBool(form.Get(key))
		}
	}

	opts.ExtendedParams = append(opts.ExtendedParams, listValues(form["extended_params"])...)
	opts.MemoryOperations = append(opts.MemoryOperations, listValues(form["memory_operations"])...)

	if err := opts.Validate(); err != nil {
		return programmer.Options{}, err
	}
	return opts, nil
}

// maxUploadBody bounds the whole /upload body: one image plus the form fields
const maxUploadBody = artifact.DefaultMaxSize + 1<<20

func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(maxUploadMemory)
	}
	return r.ParseForm()
}

// handleUpload handles POST /upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := parseForm(w, r); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid form data: %v", err))
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll() //nolint:errcheck // best effort cleanup of spilled parts
	}

	opts, err := s.parseOptions(r.Form)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	operationOnly := parseBool(r.FormValue("operation_only"))
	hexURL := strings.TrimSpace(r.FormValue("hex_url"))

	var (
		file   multipart.File
		header *multipart.FileHeader
	)
	if !operationOnly && hexURL == "" {
		err = http.ErrMissingFile
		if r.MultipartForm != nil {
			file, header, err = r.FormFile("hex_file")
		}
		switch {
		case errors.Is(err, http.ErrMissingFile):
			if len(opts.MemoryOperations) == 0 {
				writeError(w, http.StatusBadRequest, "No firmware provided. Send 'hex_url', 'hex_file', or set 'operation_only=true' with memory_operations")
				return
			}
		case err != nil:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid file upload: %v", err))
			return
		default:
			defer file.Close()
			if header.Filename == "" {
				writeError(w, http.StatusBadRequest, "No file selected")
				return
			}
			if err := artifact.ValidateExtension(header.Filename); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid file type. Only .hex and .bin files are allowed")
				return
			}
		}
	}

	if s.config.RequirePort {
		if err := serialport.CheckExists(opts.Port); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	label := programmer.LabelOperation
	if !operationOnly && (hexURL != "" || file != nil) {
		label = programmer.LabelUpload
	}

	reservation, err := s.orch.Reserve(label)
	if errors.Is(err, operation.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "Another operation is already in progress")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := broadcast.WithOperationID(r.Context(), reservation.ID())
	req := operation.Request{Options: opts}

	switch {
	case operationOnly:
	case hexURL != "":
		s.hub.Log(ctx, fmt.Sprintf("Downloading firmware from %s...", hexURL))
		image, err := s.fetcher.FromURL(ctx, hexURL)
		if err != nil {
			reservation.Cancel()
			s.hub.Log(ctx, fmt.Sprintf("Firmware download failed: %v", err))
			writeError(w, fetchErrorStatus(err), "Failed to download firmware: "+err.Error())
			return
		}
		s.hub.Log(ctx, fmt.Sprintf("Firmware downloaded to %s", image.Path))
		req.Artifact = image
		req.Source = hexURL
	case file != nil:
		image, err := s.fetcher.FromUpload(file, header.Filename)
		if err != nil {
			reservation.Cancel()
			writeError(w, fetchErrorStatus(err), "Failed to store uploaded file: "+err.Error())
			return
		}
		s.hub.Log(ctx, fmt.Sprintf("Received uploaded file: %s", artifact.SanitizeFilename(header.Filename)))
		req.Artifact = image
		req.Source = header.Filename
	}

	if err := reservation.Launch(r.Context(), req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "started",
		"message":      "Operation started, follow the live log for progress",
		"operation_id": reservation.ID(),
	})
}

func fetchErrorStatus(err error) int {
	switch {
	case errors.Is(err, artifact.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, artifact.ErrInvalidExtension),
		errors.Is(err, artifact.ErrDownload),
		errors.Is(err, artifact.ErrInvalidURL),
		errors.Is(err, artifact.ErrTooLarge),
		errors.Is(err, artifact.ErrNoSource):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
