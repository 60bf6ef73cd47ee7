package ebook

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

const (
	epubMimetype   = "application/epub+zip"
	containerPath  = "META-INF/container.xml"
	xhtmlMediaType = "application/xhtml+xml"
	ncxMediaType   = "application/x-dtbncx+xml"
	maxEntryBytes  = 64 << 20
)

// ValidationError lists every structural problem found in a container.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid epub: " + strings.Join(e.Problems, "; ")
}

// ManifestItem is one <item> of the package document, with Href resolved
// to a path inside the container.
type ManifestItem struct {
	ID         string
	Href       string
	MediaType  string
	Properties string
}

// Report is the parsed structure of an EPUB container.
type Report struct {
	// Files lists the container entries in archive order.
	Files    []string
	OPFPath  string
	Manifest []ManifestItem
	// Spine holds the idrefs of the reading order.
	Spine    []string
	SpineTOC string

	firstStored bool
	contents    map[string][]byte
}

// Validate checks that data is a structurally valid single-chapter EPUB.
func Validate(data []byte) error {
	r, err := Inspect(data)
	if err != nil {
		return err
	}
	return r.Check()
}

type containerDoc struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type packageDoc struct {
	Items []struct {
		ID         string `xml:"id,attr"`
		Href       string `xml:"href,attr"`
		MediaType  string `xml:"media-type,attr"`
		Properties string `xml:"properties,attr"`
	} `xml:"manifest>item"`
	Spine struct {
		TOC      string `xml:"toc,attr"`
		Itemrefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

// Inspect reads the container and parses its package document. It fails
// only when the archive, container file or package document is unusable;
// Check reports everything else.
func Inspect(data []byte) (*Report, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ValidationError{Problems: []string{"not a zip archive: " + err.Error()}}
	}
	r := &Report{contents: map[string][]byte{}}
	for i, f := range zr.File {
		r.Files = append(r.Files, f.Name)
		if i == 0 {
			r.firstStored = f.Method == zip.Store
		}
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("open %s: %v", f.Name, err)}}
		}
		b, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes))
		_ = rc.Close()
		if err != nil {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("read %s: %v", f.Name, err)}}
		}
		r.contents[f.Name] = b
	}

	raw, ok := r.contents[containerPath]
	if !ok {
		return nil, &ValidationError{Problems: []string{"missing " + containerPath}}
	}
	var c containerDoc
	if err := xml.Unmarshal(raw, &c); err != nil || len(c.Rootfiles) == 0 {
		return nil, &ValidationError{Problems: []string{containerPath + " names no package document"}}
	}
	r.OPFPath = c.Rootfiles[0].FullPath
	opf, ok := r.contents[r.OPFPath]
	if !ok {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("package document %q not found", r.OPFPath)}}
	}
	var p packageDoc
	if err := xml.Unmarshal(opf, &p); err != nil {
		return nil, &ValidationError{Problems: []string{"parse package document: " + err.Error()}}
	}
	base := path.Dir(r.OPFPath)
	for _, it := range p.Items {
		r.Manifest = append(r.Manifest, ManifestItem{
			ID:         it.ID,
			Href:       resolve(base, it.Href),
			MediaType:  it.MediaType,
			Properties: it.Properties,
		})
	}
	for _, ref := range p.Spine.Itemrefs {
		r.Spine = append(r.Spine, ref.IDRef)
	}
	r.SpineTOC = p.Spine.TOC
	return r, nil
}

// Check runs the structural rules against a parsed container.
func (r *Report) Check() error {
	var problems []string
	fail := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if len(r.Files) == 0 || r.Files[0] != "mimetype" {
		fail("first entry must be mimetype")
	} else {
		if !r.firstStored {
			fail("mimetype must be stored uncompressed")
		}
		if got := string(r.contents["mimetype"]); got != epubMimetype {
			fail("mimetype is %q", got)
		}
	}

	byID := map[string]ManifestItem{}
	byHref := map[string]ManifestItem{}
	for _, it := range r.Manifest {
		if _, dup := byID[it.ID]; dup {
			fail("duplicate manifest id %q", it.ID)
		}
		byID[it.ID] = it
		byHref[it.Href] = it
		if _, ok := r.contents[it.Href]; !ok {
			fail("manifest item %q points at missing file %s", it.ID, it.Href)
		}
	}

	content := 0
	for _, idref := range r.Spine {
		it, ok := byID[idref]
		if !ok {
			fail("spine item %q is not in the manifest", idref)
			continue
		}
		if !hasProperty(it.Properties, "nav") {
			content++
		}
	}
	if content != 1 {
		fail("spine has %d content documents, want 1", content)
	}

	hasTOC := false
	for _, it := range r.Manifest {
		if hasProperty(it.Properties, "nav") || it.MediaType == ncxMediaType {
			hasTOC = true
		}
	}
	if r.SpineTOC != "" {
		if it, ok := byID[r.SpineTOC]; !ok || it.MediaType != ncxMediaType {
			fail("spine toc %q is not an NCX manifest item", r.SpineTOC)
		}
	}
	if !hasTOC {
		fail("no table of contents declared")
	}

	for _, name := range r.Files {
		if strings.HasSuffix(name, "/") || name == "mimetype" || name == r.OPFPath || strings.HasPrefix(name, "META-INF/") {
			continue
		}
		if _, ok := byHref[name]; !ok {
			fail("file %s is not listed in the manifest", name)
		}
	}

	var docs []string
	for _, it := range r.Manifest {
		if it.MediaType == xhtmlMediaType {
			docs = append(docs, it.Href)
		}
	}
	sort.Strings(docs)
	for _, doc := range docs {
		body, ok := r.contents[doc]
		if !ok {
			continue
		}
		if err := wellFormed(body); err != nil {
			fail("%s is not well-formed XML: %v", doc, err)
		}
		for _, ref := range localRefs(body) {
			target := resolve(path.Dir(doc), ref)
			if _, ok := byHref[target]; !ok {
				fail("%s references %s which is not in the manifest", doc, ref)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func hasProperty(props, want string) bool {
	for _, p := range strings.Fields(props) {
		if p == want {
			return true
		}
	}
	return false
}

// resolve joins a relative reference onto a directory inside the container.
func resolve(dir, ref string) string {
	if i := strings.IndexAny(ref, "#?"); i >= 0 {
		ref = ref[:i]
	}
	if u, err := url.PathUnescape(ref); err == nil {
		ref = u
	}
	if dir == "." || dir == "" {
		return path.Clean(ref)
	}
	return path.Clean(path.Join(dir, ref))
}

// localRefs returns src and href values that point inside the container.
func localRefs(doc []byte) []string {
	var refs []string
	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return refs
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		for {
			k, v, more := z.TagAttr()
			key := string(k)
			if key == "src" || key == "href" || key == "xlink:href" {
				if ref := strings.TrimSpace(string(v)); isLocalRef(ref) {
					refs = append(refs, ref)
				}
			}
			if !more {
				break
			}
		}
	}
}

func isLocalRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return true
	}
	return u.Scheme == "" && u.Host == ""
}

func wellFormed(doc []byte) error {
	d := xml.NewDecoder(bytes.NewReader(doc))
	d.Strict = true
	for {
		_, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
