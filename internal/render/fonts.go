package render

import (
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

// fontLibrary resolves font families to parsed opentype fonts. Unknown
// families fall back to the embedded default; face construction failures
// degrade further to a fixed bitmap face so a render never fails on fonts.
type fontLibrary struct {
	mu    sync.Mutex
	fonts map[string]*opentype.Font
	def   *opentype.Font
}

var defaultFonts = struct {
	once sync.Once
	lib  *fontLibrary
}{}

func fonts() *fontLibrary {
	defaultFonts.once.Do(func() {
		lib := &fontLibrary{fonts: map[string]*opentype.Font{}}
		if f, err := opentype.Parse(goregular.TTF); err == nil {
			lib.def = f
			lib.fonts["go"] = f
			lib.fonts["go-regular"] = f
		}
		if f, err := opentype.Parse(gobold.TTF); err == nil {
			lib.fonts["go-bold"] = f
		}
		defaultFonts.lib = lib
	})
	return defaultFonts.lib
}

// face returns a font.Face for family at size points. The returned closer is
// non-nil when the face holds resources to release after drawing.
func (l *fontLibrary) face(family string, size float64) (font.Face, func()) {
	l.mu.Lock()
	f, ok := l.fonts[family]
	if !ok {
		f = l.def
	}
	l.mu.Unlock()

	if f == nil || size <= 0 {
		return basicfont.Face7x13, nil
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13, nil
	}
	return face, func() { _ = face.Close() }
}
