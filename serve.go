package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/paleotronic/atrm8/disk"
	"github.com/paleotronic/atrm8/panic"
	"github.com/paleotronic/atrm8/vfs"
)

type APIServer interface {
	Serve() error
	Stop() error
}

func NewAPIServer(addr string, g *vfs.Gateway) APIServer {
	return &api{address: addr, gateway: g}
}

type api struct {
	address string
	gateway *vfs.Gateway
	server  *http.Server
}

func (a *api) Serve() error {

	router := mux.NewRouter().StrictSlash(true)

	addRoute(router, "ls", "GET", "/api/ls", a.list)
	addRoute(router, "file", "GET", "/api/file", a.file)
	addRoute(router, "info", "GET", "/api/info", a.info)
	addRoute(router, "sector", "GET", "/api/sector/{sector:[0-9]+}", a.sector)

	addr := a.address
	if len(strings.Split(addr, ":")) < 2 {
		addr = fmt.Sprintf("%s:8580", a.address)
	}

	log.Infof("atrm8 API starts listening on %s", addr)
	a.server = &http.Server{Addr: addr, Handler: router}

	err := a.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *api) Stop() error {
	if a.server != nil {
		log.Info("API server stopping...")
		err := a.server.Shutdown(context.Background())
		a.server = nil
		return err
	}
	return nil
}

func addRoute(r *mux.Router, name, method, pattern string,
	handler http.HandlerFunc) {
	r.Methods(method).
		Path(pattern).
		Name(name).
		Handler(requestLogger(handler, name))
}

func requestLogger(inner http.Handler, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		log.WithFields(log.Fields{
			"remote": r.RemoteAddr,
			"method": r.Method,
			"path":   r.RequestURI,
		}).Debugf("API BEGIN | %s", name)

		start := time.Now()
		panic.Do(
			func() {
				inner.ServeHTTP(w, r)
			},
			func(rec interface{}) {
				log.Errorf("%s panic: %v", name, rec)
				log.Errorf(string(debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			},
		)

		log.WithFields(log.Fields{
			"remote":   r.RemoteAddr,
			"method":   r.Method,
			"path":     r.RequestURI,
			"duration": time.Since(start),
		}).Debugf("API END   | %s", name)
	})
}

// Entry is one directory listing line of the ls endpoint.
type Entry struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Dir      bool   `json:"dir,omitempty"`
	Link     bool   `json:"link,omitempty"`
	Locked   bool   `json:"locked,omitempty"`
	Modified string `json:"modified,omitempty"`
	Inode    uint64 `json:"inode"`
}

func (a *api) list(w http.ResponseWriter, req *http.Request) {

	p, err := getArg(req, "p")
	if handleError(err, http.StatusUnprocessableEntity, w) {
		return
	}
	if p == "" {
		p = "/"
	}

	var list []*Entry
	var attrs []vfs.Attr

	err = a.gateway.ReadDir(p, func(at vfs.Attr) error {
		attrs = append(attrs, at)
		e := &Entry{
			Name:   at.Name,
			Size:   at.Size,
			Dir:    at.IsDir,
			Link:   at.IsLink,
			Locked: at.Locked,
			Inode:  at.Inode,
		}
		if !at.MTime.IsZero() {
			e.Modified = at.MTime.Format(time.RFC3339)
		}
		list = append(list, e)
		return nil
	})
	if handleError(err, errorStatus(err), w) {
		return
	}

	if wantsJSON(req) {
		sendJSONReply(list, http.StatusOK, w)

	} else {
		strList := ""
		for ix, at := range attrs {
			if ix > 0 {
				strList += "\n"
			}
			strList += formatEntry(at)
		}
		sendReply([]byte(strList), http.StatusOK, w)
	}
}

func (a *api) file(w http.ResponseWriter, req *http.Request) {

	p, err := getArg(req, "p")
	if handleError(err, http.StatusUnprocessableEntity, w) {
		return
	}
	if p == "" {
		handleError(fmt.Errorf("missing file path"),
			http.StatusUnprocessableEntity, w)
		return
	}

	data, err := a.gateway.ReadAll(p)
	if handleError(err, errorStatus(err), w) {
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	sendStreamReply(bytes.NewReader(data), w)
}

// Summary carries the JSON form of the info endpoint.
type Summary struct {
	Image       string `json:"image"`
	Driver      string `json:"driver"`
	ReadOnly    bool   `json:"readonly,omitempty"`
	Partitioned bool   `json:"partitioned,omitempty"`
}

func (a *api) info(w http.ResponseWriter, req *http.Request) {

	if wantsJSON(req) {
		sendJSONReply(&Summary{
			Image:       a.gateway.Filename(),
			Driver:      a.gateway.DriverName(),
			ReadOnly:    a.gateway.ReadOnly(),
			Partitioned: a.gateway.Partitioned(),
		}, http.StatusOK, w)

	} else {
		sendReply([]byte(a.gateway.Info()), http.StatusOK, w)
	}
}

func (a *api) sector(w http.ResponseWriter, req *http.Request) {

	n := mux.Vars(req)["sector"]

	data, err := a.gateway.ReadAll("/.sector" + n)
	if handleError(err, errorStatus(err), w) {
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	sendStreamReply(bytes.NewReader(data), w)
}

func errorStatus(e error) int {
	switch e {
	case disk.ErrNotFound:
		return http.StatusNotFound
	case disk.ErrReadOnly:
		return http.StatusForbidden
	case disk.ErrIsDir, disk.ErrNotDir, disk.ErrInvalidArg, disk.ErrOutOfRange:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func getArg(req *http.Request, arg string) (string, error) {
	ret := req.URL.Query().Get(arg)
	if ret != "" {
		return url.QueryUnescape(ret)
	}
	return ret, nil
}

func setHeaders(h http.Header, json bool) {
	if json {
		h.Set("Content-Type", "application/json; charset=UTF-8")
	} else {
		h.Set("Content-Type", "text/plain; charset=UTF-8")
	}
}

func handleError(e error, statusCode int, w http.ResponseWriter) bool {

	if e == nil {
		return false
	}

	log.Errorf("%v", e)

	setHeaders(w.Header(), false)
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(fmt.Sprintf("%v\n", e))); err != nil {
		log.Errorf("problem writing error: %v", err)
	}

	return true
}

func sendReply(body []byte, statusCode int, w http.ResponseWriter) {
	setHeaders(w.Header(), false)
	w.WriteHeader(statusCode)
	if _, err := fmt.Fprintf(w, "%s\n", body); err != nil {
		log.Errorf("problem sending reply: %v", err)
	}
}

func sendStreamReply(r io.Reader, w http.ResponseWriter) {
	if _, err := io.Copy(w, r); err != nil {
		log.Errorf("problem sending reply: %v", err)
	}
}

func sendJSONReply(obj interface{}, statusCode int, w http.ResponseWriter) {
	setHeaders(w.Header(), true)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Errorf("problem writing error: %v", err)
	}
}

func wantsJSON(req *http.Request) bool {
	return req.Header.Get("Content-Type") == "application/json"
}
