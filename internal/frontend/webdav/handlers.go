package webdav

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

const (
	headerRange       = "X-Metis-Range-Id"
	headerNodes       = "X-Metis-Nodes"
	headerReservation = "X-Metis-Reservation"

	allowedMethods = "OPTIONS, GET, HEAD, PUT, PROPFIND, MKCOL"
)

type multistatus struct {
	XMLName   xml.Name   `xml:"D:multistatus"`
	DAV       string     `xml:"xmlns:D,attr"`
	Metis     string     `xml:"xmlns:M,attr"`
	Responses []response `xml:"D:response"`
}

type response struct {
	Href     string   `xml:"D:href"`
	Propstat propstat `xml:"D:propstat"`
}

type propstat struct {
	Prop   prop   `xml:"D:prop"`
	Status string `xml:"D:status"`
}

type prop struct {
	DisplayName   string       `xml:"D:displayname,omitempty"`
	ResourceType  resourceType `xml:"D:resourcetype"`
	ContentLength *uint64      `xml:"D:getcontentlength,omitempty"`
	RangeID       *uint64      `xml:"M:range-id,omitempty"`
	Nodes         string       `xml:"M:nodes,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

func (s *Server) options(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("DAV", "1")
	w.Header().Set("Allow", allowedMethods)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	item, ok := s.itemKey(w, r)
	if !ok {
		return
	}
	loc, err := s.manager.FindAndFill(r.Context(), item)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setLocationHeaders(w, loc.Range, loc.Nodes)

	if data, ok := s.manager.Cache().GetContent(item); ok {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(data)
		}
		return
	}

	if len(loc.Nodes) == 0 {
		http.Error(w, "no storage node holds the item", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, nodeURL(loc.Nodes[0], item), http.StatusTemporaryRedirect)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	item, ok := s.itemKey(w, r)
	if !ok {
		return
	}
	if r.ContentLength < 0 {
		http.Error(w, "content length required", http.StatusLengthRequired)
		return
	}

	var inline []byte
	if r.ContentLength > 0 && r.ContentLength <= s.inlineLimit {
		inline = make([]byte, r.ContentLength)
		if _, err := io.ReadFull(r.Body, inline); err != nil {
			http.Error(w, "short request body", http.StatusBadRequest)
			return
		}
	}

	res, err := s.manager.PutItem(r.Context(), item, uint64(r.ContentLength))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if inline != nil {
		s.manager.StageItem(res.Reservation.ID, model.ItemHeader{
			Key:     item,
			Size:    uint64(r.ContentLength),
			RangeID: res.Range.ID,
		}, inline)
	}
	setLocationHeaders(w, res.Range, res.Reservation.Nodes)
	w.Header().Set(headerReservation, res.Reservation.ID.String())
	http.Redirect(w, r, nodeURL(res.Reservation.Nodes[0], item), http.StatusTemporaryRedirect)
}

func (s *Server) mkcol(w http.ResponseWriter, r *http.Request) {
	key, ok := s.levelKey(w, r)
	if !ok {
		return
	}
	if _, err := s.manager.AddLevel(r.Context(), key.Level, key.SubLevel); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateLevel) {
			http.Error(w, err.Error(), http.StatusMethodNotAllowed)
			return
		}
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) propfindRoot(w http.ResponseWriter, r *http.Request) {
	responses := []response{collection("/", "")}
	if depth(r) > 0 {
		for _, l := range s.manager.Index().Levels() {
			responses = append(responses, collection(levelHref(l.Key()), l.Key().String()))
		}
	}
	writeMultistatus(w, responses)
}

func (s *Server) propfindLevel(w http.ResponseWriter, r *http.Request) {
	key, ok := s.levelKey(w, r)
	if !ok {
		return
	}
	if !s.manager.Index().HasLevel(key) {
		http.Error(w, "level not found", http.StatusNotFound)
		return
	}
	writeMultistatus(w, []response{collection(levelHref(key), key.String())})
}

func (s *Server) propfindItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.itemKey(w, r)
	if !ok {
		return
	}
	loc, err := s.manager.FindAndFill(r.Context(), item)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rangeID := uint64(loc.Range.ID)
	p := prop{
		DisplayName: item.String(),
		RangeID:     &rangeID,
		Nodes:       nodeList(loc.Nodes),
	}
	if loc.Header.Size > 0 {
		size := loc.Header.Size
		p.ContentLength = &size
	}
	writeMultistatus(w, []response{{
		Href:     r.URL.Path,
		Propstat: propstat{Prop: p, Status: "HTTP/1.1 200 OK"},
	}})
}

func (s *Server) itemKey(w http.ResponseWriter, r *http.Request) (model.ItemKey, bool) {
	key, ok := s.levelKey(w, r)
	if !ok {
		return model.ItemKey{}, false
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return model.ItemKey{}, false
	}
	return model.ItemKey{Level: key.Level, SubLevel: key.SubLevel, ID: id}, true
}

func (s *Server) levelKey(w http.ResponseWriter, r *http.Request) (model.LevelKey, bool) {
	vars := mux.Vars(r)
	level, err := strconv.ParseUint(vars["level"], 10, 32)
	if err != nil {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return model.LevelKey{}, false
	}
	subLevel, err := strconv.ParseUint(vars["sub_level"], 10, 32)
	if err != nil {
		http.Error(w, "invalid sub level", http.StatusBadRequest)
		return model.LevelKey{}, false
	}
	return model.LevelKey{Level: uint32(level), SubLevel: uint32(subLevel)}, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusInsufficientStorage {
		s.logger.Error("WebDAV request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func collection(href, name string) response {
	return response{
		Href: href,
		Propstat: propstat{
			Prop: prop{
				DisplayName:  name,
				ResourceType: resourceType{Collection: &struct{}{}},
			},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

func writeMultistatus(w http.ResponseWriter, responses []response) {
	body, err := xml.Marshal(multistatus{DAV: "DAV:", Metis: "urn:metis", Responses: responses})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write([]byte(xml.Header))
	w.Write(body)
}

// depth returns 0 for "Depth: 0" and 1 otherwise; infinity is served as 1.
func depth(r *http.Request) int {
	if strings.TrimSpace(r.Header.Get("Depth")) == "0" {
		return 0
	}
	return 1
}

func levelHref(k model.LevelKey) string {
	return fmt.Sprintf("/%d/%d/", k.Level, k.SubLevel)
}

func nodeURL(n model.StorageNode, item model.ItemKey) string {
	return fmt.Sprintf("http://%s/%d/%d/%d", n.Addr(), item.Level, item.SubLevel, item.ID)
}

func nodeList(nodes []model.StorageNode) string {
	addrs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		addrs = append(addrs, n.Addr())
	}
	return strings.Join(addrs, ",")
}

func setLocationHeaders(w http.ResponseWriter, r *model.Range, nodes []model.StorageNode) {
	w.Header().Set(headerRange, strconv.FormatUint(uint64(r.ID), 10))
	w.Header().Set(headerNodes, nodeList(nodes))
}
