package score

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/core/xml"
)

// Version is a MuseScore programVersion such as 4.2.1.
type Version struct {
	Major  int
	Minor  int
	Patch  int
	Suffix string
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	return s + v.Suffix
}

type versionAST struct {
	Numbers []int  `parser:"@Int ( '.' @Int )*"`
	Suffix  string `parser:"@Suffix?"`
}

var versionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Suffix", Pattern: `[-+][0-9A-Za-z.+-]*`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "Dot", Pattern: `\.`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var versionParser = participle.MustBuild[versionAST](
	participle.Lexer(versionLexer),
	participle.Elide("Whitespace"),
)

// ParseVersion parses a dotted MAJOR[.MINOR[.PATCH]] version with an optional
// -/+ suffix. Components beyond the third are ignored.
func ParseVersion(s string) (Version, error) {
	ast, err := versionParser.ParseString("", strings.TrimSpace(s))
	if err != nil {
		return Version{}, &errors.ParseError{Format: "programVersion", Message: err.Error(), Err: errors.ErrInvalidInput}
	}
	var v Version
	for i, n := range ast.Numbers {
		switch i {
		case 0:
			v.Major = n
		case 1:
			v.Minor = n
		case 2:
			v.Patch = n
		}
	}
	v.Suffix = ast.Suffix
	return v, nil
}

// ProgramVersion reads the version of the application that wrote doc.
func ProgramVersion(doc *xml.Document) (Version, error) {
	nodes := doc.Elements(TagVersion)
	if len(nodes) == 0 {
		return Version{}, fmt.Errorf("no version information: %w", errors.ErrNotFound)
	}
	return ParseVersion(nodes[0].Text())
}
