// Package metainfo decodes a .torrent file's bencoded dictionary into a
// typed description of the swarm's announce endpoints and piece/file
// layout (spec.md §6's bencode metadata collaborator contract).
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/nullwrk/leech/internal/bencode"
	"github.com/nullwrk/leech/internal/cast"
)

// File describes one entry of a multi-file torrent.
type File struct {
	Length int64
	Path   []string
}

// Info is the decoded `info` dictionary plus its derived piece layout.
type Info struct {
	Hash        [sha1.Size]byte
	Name        string
	PieceLength int64
	Pieces      []byte // flat, 20*N bytes
	Private     bool

	// Exactly one of Length (single-file) or Files (multi-file) is set.
	Length int64
	Files  []File

	TotalLength     int64
	TotalPieces     int64
	LastPieceLength int64
	LastPieceIndex  int64
}

// Metainfo is a fully decoded and validated .torrent file.
type Metainfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
)

// Parse decodes and validates a .torrent file's raw bytes.
func Parse(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := optionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := cast.ToInt(v)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'creation date'")
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := optionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := optionalString(root["comment"])
	if err != nil {
		return nil, err
	}

	info, err := parseInfo(root["info"])
	if err != nil {
		return nil, err
	}

	return &Metainfo{
		Info:         *info,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
	}, nil
}

func parseInfo(raw any) (*Info, error) {
	if raw == nil {
		return nil, ErrInfoMissing
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	var out Info

	h, err := infoHash(dict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}
	out.Hash = h

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = cast.ToString(nameVal)
	if err != nil || out.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	out.PieceLength, err = cast.ToInt(plVal)
	if err != nil || out.PieceLength <= 0 {
		return nil, ErrPieceLenNonPositive
	}

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		priv, err := cast.ToInt(v)
		if err != nil || (priv != 0 && priv != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		out.Private = priv == 1
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		out.Length, err = cast.ToInt(lengthVal)
		if err != nil || out.Length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.TotalLength = out.Length
	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
		for _, f := range out.Files {
			out.TotalLength += f.Length
		}
	default:
		return nil, ErrLayoutInvalid
	}

	out.TotalPieces = (out.TotalLength + out.PieceLength - 1) / out.PieceLength
	if len(out.Pieces)/sha1.Size != int(out.TotalPieces) {
		return nil, ErrPiecesLenInvalid
	}

	out.LastPieceLength = out.TotalLength % out.PieceLength
	if out.LastPieceLength == 0 {
		out.LastPieceLength = out.PieceLength
	}
	out.LastPieceIndex = out.TotalPieces - 1

	return &out, nil
}

func parseFiles(v any) ([]File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := cast.ToInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := cast.ToStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, File{Length: ln, Path: segments})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := cast.ToTieredStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}
	return tiered, nil
}

func optionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return cast.ToString(v)
}

func infoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}
	b, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(b)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}
	return b, nil
}

// FilePaths and FileLengths flatten Info's layout into the parallel slices
// internal/filestore.New expects.
func (i *Info) FilePaths() []string {
	if len(i.Files) == 0 {
		return []string{i.Name}
	}
	paths := make([]string, len(i.Files))
	for idx, f := range i.Files {
		paths[idx] = joinPath(f.Path)
	}
	return paths
}

func (i *Info) FileLengths() []int64 {
	if len(i.Files) == 0 {
		return []int64{i.Length}
	}
	lens := make([]int64, len(i.Files))
	for idx, f := range i.Files {
		lens[idx] = f.Length
	}
	return lens
}

func (i *Info) SingleFile() bool { return len(i.Files) == 0 }

func joinPath(segments []string) string {
	out := segments[0]
	for _, s := range segments[1:] {
		out += "/" + s
	}
	return out
}
