package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/passdrop/internal/pdslot"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/util/stringutil"
)

const (
	contentTypeJSON      = "application/json; charset=utf-8"
	contentTypeOctet     = "application/octet-stream"
	contentTypeTextPlain = "text/plain; charset=utf-8"

	defaultRequestTimeout = 5 * time.Minute
	shutdownTimeout       = 10 * time.Second
)

type Server struct {
	denyList   DenyList
	httpServer *http.Server
	logger     *logrus.Logger
	router     *mux.Router
	service    *pdslot.Service
}

func NewServer(logger *logrus.Logger, service *pdslot.Service, denyList DenyList, port int, requestTimeout time.Duration) *Server { //nolint:lll
	server := &Server{
		denyList: denyList,
		logger:   logger,
		service:  service,
	}

	// Passcodes are arbitrary strings, so match on the encoded path to keep
	// an escaped slash inside a single path segment.
	router := mux.NewRouter().UseEncodedPath()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use(middleware.RequestID)
	router.Use((&CanonicalLogLineMiddleware{logger: logger}).Wrapper)
	router.Use(middleware.Recoverer)
	router.Use((&CORSMiddleware{}).Wrapper)
	router.Use(NewTimeoutMiddleware(requestTimeout).Wrapper)

	router.Handle("/", server.wrapEndpoint(server.handleIndex)).Methods(http.MethodGet)
	router.Handle("/slots/{passcode}", server.wrapEndpoint(server.handleGetSlot)).Methods(http.MethodGet)
	router.Handle("/slots/{passcode}", server.wrapEndpoint(server.handlePutSlot)).Methods(http.MethodPut)
	router.Handle("/slots/{passcode}", server.wrapEndpoint(server.handleDeleteSlot)).Methods(http.MethodDelete)
	router.Handle("/slots/{passcode}/content", server.wrapEndpoint(server.handleGetSlotContent)).Methods(http.MethodGet)
	router.Methods(http.MethodOptions).Handler(server.wrapEndpoint(server.handleOptions))

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Listening on %s", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
		}
		return nil

	case <-ctx.Done():
	}

	s.logger.Infof("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck
		return xerrors.Errorf("error shutting down server: %w", err)
	}

	return nil
}

func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusOK, []byte("passdrop"), nil), nil
}

func (s *Server) handleOptions(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusOK, nil, nil), nil
}

func (s *Server) handleGetSlot(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	passcode, err := s.passcodeFromRequest(r)
	if err != nil {
		return nil, err
	}

	view, err := s.service.Resolve(ctx, passcode)
	if err != nil {
		return nil, s.serviceError(err)
	}

	return newSlotResponse(http.StatusOK, view)
}

func (s *Server) handlePutSlot(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	passcode, err := s.passcodeFromRequest(r)
	if err != nil {
		return nil, err
	}

	item, err := s.readItem(r)
	if err != nil {
		return nil, err
	}

	view, err := s.service.Write(ctx, passcode, item)
	if err != nil {
		return nil, s.serviceError(err)
	}

	return newSlotResponse(http.StatusCreated, view)
}

func (s *Server) handleDeleteSlot(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	passcode, err := s.passcodeFromRequest(r)
	if err != nil {
		return nil, err
	}

	if err := s.service.Delete(ctx, passcode); err != nil {
		return nil, s.serviceError(err)
	}

	return newSlotResponse(http.StatusOK, &pdslot.SlotView{State: pdslot.StateEmpty})
}

func (s *Server) handleGetSlotContent(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	passcode, err := s.passcodeFromRequest(r)
	if err != nil {
		return nil, err
	}

	reader, view, err := s.service.Open(ctx, passcode)
	if err != nil {
		return nil, s.serviceError(err)
	}

	entry := view.Entry

	header := http.Header{
		"Content-Length": []string{strconv.FormatInt(entry.Size, 10)},
		"Last-Modified":  []string{entry.CreatedAt.UTC().Format(http.TimeFormat)},
	}

	if entry.Kind == pdstore.KindText {
		header.Set("Content-Type", contentTypeTextPlain)
	} else {
		header.Set("Content-Type", stringutil.FirstNonEmpty(mime.TypeByExtension(filepath.Ext(entry.Name)), contentTypeOctet))
		header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": entry.Name}))
	}

	return &ServerResponse{BodyReader: reader, Header: header, StatusCode: http.StatusOK}, nil
}

// Extracts the passcode from the path and checks it against the deny list.
func (s *Server) passcodeFromRequest(r *http.Request) (string, error) {
	passcode, err := url.PathUnescape(mux.Vars(r)["passcode"])
	if err != nil {
		return "", NewServerError(http.StatusBadRequest, "Passcode in path could not be decoded.")
	}

	if s.denyList != nil && s.denyList.Contains(passcode) {
		return "", NewServerError(http.StatusForbidden, ErrMessageDeniedPasscode)
	}

	return passcode, nil
}

// Reads an item from an upload, which is one of:
//
//   - A multipart form with a `file` field or a `text` field.
//   - A raw body with a file name in the `name` query parameter or in a
//     `Content-Disposition` header.
//   - A raw `text/plain` body without a file name, which is stored as text.
func (s *Server) readItem(r *http.Request) (*pdstore.Item, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		return s.readMultipartItem(r)
	}

	data, err := s.readLimited(r.Body)
	if err != nil {
		return nil, err
	}

	var dispositionName string
	if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Disposition")); err == nil {
		dispositionName = params["filename"]
	}

	name := stringutil.FirstNonEmpty(r.URL.Query().Get("name"), dispositionName)

	// A named upload may be an empty file. Without a name there's nothing to
	// store.
	if len(data) < 1 && name == "" {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageEmptyBody)
	}

	if name == "" && mediaType == "text/plain" {
		return pdstore.NewTextItem(string(data)), nil
	}

	return pdstore.NewFileItem(name, data), nil
}

func (s *Server) readMultipartItem(r *http.Request) (*pdstore.Item, error) {
	multipartReader, err := r.MultipartReader()
	if err != nil {
		return nil, NewServerError(http.StatusBadRequest, "Multipart form could not be read.")
	}

	for {
		part, err := multipartReader.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, NewServerError(http.StatusBadRequest, "Multipart form could not be read.")
		}

		switch part.FormName() {
		case "file":
			data, err := s.readLimited(part)
			if err != nil {
				return nil, err
			}
			return pdstore.NewFileItem(part.FileName(), data), nil

		case "text":
			data, err := s.readLimited(part)
			if err != nil {
				return nil, err
			}
			return pdstore.NewTextItem(string(data)), nil
		}
	}

	return nil, NewServerError(http.StatusBadRequest, ErrMessageEmptyBody)
}

// Reads at most one byte more than the maximum content size so that an
// oversized upload is detected without reading all of it.
func (s *Server) readLimited(reader io.Reader) ([]byte, error) {
	if maxSize := s.service.MaxSize(); maxSize > 0 {
		reader = io.LimitReader(reader, maxSize+1)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, xerrors.Errorf("error reading request body: %w", err)
	}

	return data, nil
}

// Converts an error from the slot service into one suitable for a response.
func (s *Server) serviceError(err error) error {
	switch {
	case errors.Is(err, pdslot.ErrSlotExpired):
		return NewServerError(http.StatusNotFound, ErrMessageExpired)
	case errors.Is(err, pdstore.ErrNotFound):
		return NewServerError(http.StatusNotFound, ErrMessageNotFound)
	case errors.Is(err, pdstore.ErrAlreadyOccupied):
		return NewServerError(http.StatusConflict, ErrMessageAlreadyOccupied)
	case errors.Is(err, pdstore.ErrInvalidItem):
		return NewServerError(http.StatusBadRequest, "Invalid content: "+err.Error()+".")
	case errors.Is(err, pdstore.ErrTooLarge):
		return NewServerError(http.StatusRequestEntityTooLarge, errMessageTooLarge(s.service.MaxSize()))
	}

	return xerrors.Errorf("error from slot service: %w", err)
}

type slotResponse struct {
	State pdslot.State `json:"state"`

	Kind             pdstore.Kind `json:"kind,omitempty"`
	Name             string       `json:"name,omitempty"`
	Size             *int64       `json:"size,omitempty"`
	CreatedAt        *time.Time   `json:"created_at,omitempty"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	RemainingSeconds *int64       `json:"remaining_seconds,omitempty"`
	Progress         *float64     `json:"progress,omitempty"`
}

func newSlotResponse(statusCode int, view *pdslot.SlotView) (*ServerResponse, error) {
	resp := slotResponse{State: view.State}

	if entry := view.Entry; entry != nil {
		var (
			createdAt        = entry.CreatedAt.UTC()
			expiresAt        = view.ExpiresAt.UTC()
			remainingSeconds = int64(view.Remaining / time.Second)
		)

		resp.Kind = entry.Kind
		resp.Name = entry.Name
		resp.Size = &entry.Size
		resp.CreatedAt = &createdAt
		resp.ExpiresAt = &expiresAt
		resp.RemainingSeconds = &remainingSeconds
		resp.Progress = &view.Progress
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, xerrors.Errorf("error marshaling slot: %w", err)
	}

	return NewServerResponse(statusCode, data, http.Header{
		"Content-Type": []string{contentTypeJSON},
	}), nil
}

type ServerResponse struct {
	Body []byte

	// BodyReader is streamed as the response body in place of Body if set, and
	// closed afterwards.
	BodyReader io.ReadCloser

	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body []byte, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		setStatusCode := func(statusCode int) {
			if ctxContainer != nil {
				ctxContainer.StatusCode = statusCode
			}
		}

		w.Header().Set("Content-Type", contentTypeTextPlain)

		resp, err := h(r.Context(), r)
		if err != nil {
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				setStatusCode(serverErr.StatusCode)
				w.WriteHeader(serverErr.StatusCode)
				_, _ = w.Write([]byte(err.Error()))
				return
			}

			s.logger.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
			}).Errorf("Internal error: %v", err)

			setStatusCode(http.StatusInternalServerError)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(ErrMessageInternalError))
			return
		}

		for k, vs := range resp.Header {
			w.Header()[http.CanonicalHeaderKey(k)] = vs
		}

		statusCode := resp.StatusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		setStatusCode(statusCode)
		w.WriteHeader(statusCode)

		if resp.BodyReader != nil {
			defer resp.BodyReader.Close()

			if _, err := io.Copy(w, resp.BodyReader); err != nil {
				s.logger.Errorf("Error streaming response body: %v", err)
			}
			return
		}

		_, _ = w.Write(resp.Body)
	})
}
