package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

var imageFormats = map[string]graphviz.Format{
	FormatPNG: graphviz.PNG,
	FormatSVG: graphviz.SVG,
}

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindTrigger: cgraph.CircleShape,
	NodeKindBranch:  cgraph.DiamondShape,
	NodeKindMerge:   cgraph.HexagonShape,
	NodeKindWait:    cgraph.EllipseShape,
}

// palette is the fill and font colour of a node with a recorded status.
type palette struct{ fill, font string }

var statusPalettes = map[string]palette{
	"success": {"#2d6a2d", "white"},
	"error":   {"#8b1a1a", "white"},
	"waiting": {"#b7791a", "white"},
}

var unknownStatus = palette{"#d3d3d3", "black"}

// RenderImage renders a Model as a PNG or SVG image using graphviz.
func RenderImage(ctx context.Context, model *Model, format string) ([]byte, error) {
	gvFormat, ok := imageFormats[format]
	if !ok {
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer g.Close()

	if err := drawModel(g, model); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// drawModel adds the model's steps and connections to g, left to right.
func drawModel(g *cgraph.Graph, model *Model) error {
	g.SetRankDir(cgraph.LRRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	drawn := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
		}
		gn.SetLabel(nodeLabel(n))
		styleNode(gn, n)
		drawn[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := drawn[e.From], drawn[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s -> %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
		if e.Aux {
			ge.SetStyle(cgraph.DashedEdgeStyle)
		}
	}
	return nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	shape, ok := kindShapes[n.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	gn.SetShape(shape)

	switch {
	case n.Kind == NodeKindDisabled:
		gn.SetStyle(cgraph.DashedNodeStyle)
		gn.SetFontColor("#888888")
	case n.Status != nil:
		p, ok := statusPalettes[n.Status.Status]
		if !ok {
			p = unknownStatus
		}
		gn.SetStyle(cgraph.FilledNodeStyle)
		gn.SetFillColor(p.fill)
		gn.SetFontColor(p.font)
	}
}
