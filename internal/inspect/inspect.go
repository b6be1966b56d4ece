// Package inspect implements a read-only terminal viewer for database
// files: a page list on the left, the decoded node for the selected page
// on the right.
package inspect

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/koradb/kora/core/btree"
	"github.com/koradb/kora/core/pager"
)

// keyMap defines the inspector key bindings.
type keyMap struct {
	Up   key.Binding
	Down key.Binding
	Quit key.Binding
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "previous page"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "next page"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// pageSummary is one row of the page list.
type pageSummary struct {
	pgno   pager.Pgno
	typ    byte
	nCells uint16
}

// Model is the bubbletea model for the inspector.
type Model struct {
	tree     *btree.BTree
	path     string
	pages    []pageSummary
	selected int
	width    int
	height   int
}

// NewModel builds an inspector over an open tree.
func NewModel(tree *btree.BTree, path string) (*Model, error) {
	m := &Model{tree: tree, path: path}

	n := tree.Pager().NPages()
	for pgno := pager.Pgno(1); pgno <= n; pgno++ {
		node, err := tree.GetNodeByPage(pgno)
		if err != nil {
			return nil, err
		}
		m.pages = append(m.pages, pageSummary{
			pgno:   pgno,
			typ:    node.Type,
			nCells: node.NCells,
		})
		tree.FreeMemNode(node)
	}
	return m, nil
}

// Run starts the interactive program.
func Run(tree *btree.BTree, path string) error {
	m, err := NewModel(tree, path)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, keys.Down):
			if m.selected < len(m.pages)-1 {
				m.selected++
			}
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	if len(m.pages) == 0 {
		return errorStyle.Render("no pages")
	}

	var list strings.Builder
	list.WriteString(titleStyle.Render(m.path) + "\n")
	for i, p := range m.pages {
		line := fmt.Sprintf("page %-4d %-14s %4d cells", p.pgno, typeName(p.typ), p.nCells)
		if i == m.selected {
			list.WriteString(selectedItemStyle.Render(line))
		} else {
			list.WriteString(itemStyle.Render(line))
		}
		list.WriteString("\n")
	}

	detail := detailStyle.Render(m.renderDetail(m.pages[m.selected].pgno))
	help := helpStyle.Render("↑/↓ select page · q quit")

	body := lipgloss.JoinHorizontal(lipgloss.Top, list.String(), detail)
	return body + "\n" + help
}

// renderDetail decodes the node on a page and renders its header and cells.
func (m *Model) renderDetail(pgno pager.Pgno) string {
	node, err := m.tree.GetNodeByPage(pgno)
	if err != nil {
		return errorStyle.Render(err.Error())
	}
	defer m.tree.FreeMemNode(node)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("type:"), typeName(node.Type))
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("cells:"), node.NCells)
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("free offset:"), node.FreeOffset)
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("cells offset:"), node.CellsOffset)
	if node.IsInternal() {
		fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("right page:"), node.RightPage)
	}
	fmt.Fprintf(&b, "%s %d bytes\n\n", labelStyle.Render("free space:"), node.FreeSpace())

	shown := int(node.NCells)
	const maxCells = 32
	if shown > maxCells {
		shown = maxCells
	}
	for i := 0; i < shown; i++ {
		cell, err := node.GetCell(i)
		if err != nil {
			fmt.Fprintf(&b, "cell %d: %v\n", i, err)
			continue
		}
		fmt.Fprintf(&b, "%2d: %s\n", i, cell)
	}
	if shown < int(node.NCells) {
		fmt.Fprintf(&b, "… %d more cells\n", int(node.NCells)-shown)
	}
	return b.String()
}

// typeName renders a page type code for display.
func typeName(t byte) string {
	switch t {
	case btree.PageTypeTableInternal:
		return "table-internal"
	case btree.PageTypeTableLeaf:
		return "table-leaf"
	case btree.PageTypeIndexInternal:
		return "index-internal"
	case btree.PageTypeIndexLeaf:
		return "index-leaf"
	}
	return fmt.Sprintf("unknown(0x%02x)", t)
}
