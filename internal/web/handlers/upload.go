package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/kozaktomas/facepoke/internal/constants"
	"github.com/kozaktomas/facepoke/internal/imageproc"
)

var errEmptyImage = errors.New("image payload is empty")

// imageRequest is the JSON form of an upload: base64 or a data URI.
type imageRequest struct {
	Image string `json:"image"`
}

// readImage extracts image bytes from a request. It accepts a multipart form
// with an "image" file, a JSON body {"image": "<base64 or data URI>"}, or
// the raw image as the body.
func readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		data []byte
		err  error
	)
	switch mediaType {
	case "multipart/form-data":
		data, err = readMultipartImage(r)
	case "application/json":
		var req imageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errors.New(errInvalidRequestBody)
		}
		if req.Image == "" {
			return nil, errEmptyImage
		}
		return imageproc.DecodeDataURI(req.Image)
	default:
		data, err = io.ReadAll(r.Body)
		if err != nil {
			err = fmt.Errorf("failed to read body: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyImage
	}
	return data, nil
}

func readMultipartImage(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(constants.MultipartMemory); err != nil {
		return nil, errors.New("failed to parse multipart form")
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, errors.New("multipart field 'image' is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.New("failed to read uploaded file")
	}
	return data, nil
}
