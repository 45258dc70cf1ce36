package crdt

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragment(t *testing.T, d *Doc, name string) *XmlFragment {
	t.Helper()
	f, err := d.GetXmlFragment(name)
	require.NoError(t, err)
	return f
}

func TestXmlTree(t *testing.T) {
	d := newDocs(t, 1)[0]
	root := fragment(t, d, "xml")

	p := NewXmlElement("p")
	require.NoError(t, p.SetAttribute("class", "lead"))
	body := NewXmlText()
	require.NoError(t, body.Insert(0, "hello", nil))
	require.NoError(t, p.Push(body))
	require.NoError(t, root.Push(p, NewXmlElement("hr")))

	require.NoError(t, body.Format(0, 2, Attributes{"b": true}))
	require.NoError(t, body.Format(3, 2, Attributes{"a": map[string]any{"href": "/x"}}))

	assert.Equal(t, `<p class="lead"><b>he</b>l<a href="/x">lo</a></p><hr></hr>`, root.String())
	assert.Equal(t, 2, root.Len())
	assert.Equal(t, "hr", root.Get(1).(*XmlElement).NodeName())
	assert.Equal(t, p, root.FirstChild())
	assert.Equal(t, root.Get(1), p.NextSibling())
	assert.Nil(t, p.PrevSibling())
	assert.Nil(t, body.NextSibling())

	assert.True(t, p.HasAttribute("class"))
	p.RemoveAttribute("class")
	assert.Empty(t, p.GetAttributes())
}

func TestXmlPrelimElement(t *testing.T) {
	d := newDocs(t, 1)[0]
	root := fragment(t, d, "xml")

	ul := NewXmlElement("ul")
	require.NoError(t, ul.SetAttribute("id", "list"))
	for _, s := range []string{"one", "two"} {
		li := NewXmlElement("li")
		txt := NewXmlText()
		require.NoError(t, txt.Insert(0, s, nil))
		require.NoError(t, li.Push(txt))
		require.NoError(t, ul.Push(li))
	}
	require.NoError(t, root.Push(ul))
	assert.Equal(t, `<ul id="list"><li>one</li><li>two</li></ul>`, root.String())

	require.NoError(t, root.InsertAfter(ul, NewXmlElement("p")))
	require.NoError(t, root.InsertAfter(nil, NewXmlElement("h1")))
	assert.Equal(t, []string{"h1", "ul", "p"}, nodeNames(root.ToArray()))

	clone := ul.Clone()
	require.NoError(t, root.Push(clone))
	assert.Equal(t, ul.String(), clone.String())
}

func nodeNames(nodes []XmlNode) []string {
	var names []string
	for _, n := range nodes {
		if e, ok := n.(*XmlElement); ok {
			names = append(names, e.NodeName())
		}
	}
	return names
}

func TestXmlQuerySelector(t *testing.T) {
	d := newDocs(t, 1)[0]
	root := fragment(t, d, "xml")
	div := NewXmlElement("div")
	require.NoError(t, root.Push(div))
	require.NoError(t, div.Push(NewXmlElement("p"), NewXmlElement("span"), NewXmlText()))
	inner := div.Get(1).(*XmlElement)
	require.NoError(t, inner.Push(NewXmlElement("P")))

	assert.Equal(t, div.Get(0), root.QuerySelector("p"))
	all := root.QuerySelectorAll("p")
	require.Len(t, all, 2)
	assert.Equal(t, "P", all[1].NodeName())
	assert.Nil(t, root.QuerySelector("table"))

	walked := slices.Collect(root.Walk(func(XmlNode) bool { return true }))
	assert.Len(t, walked, 5)
}

func TestXmlConverges(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	require.NoError(t, fragment(t, a, "xml").Push(NewXmlElement("p")))
	exchange(t, a, b)

	pa := fragment(t, a, "xml").Get(0).(*XmlElement)
	pb := fragment(t, b, "xml").Get(0).(*XmlElement)
	require.NoError(t, pa.SetAttribute("align", "left"))
	require.NoError(t, pb.SetAttribute("align", "right"))
	ta := NewXmlText()
	require.NoError(t, ta.Insert(0, "from a", nil))
	require.NoError(t, pa.Push(ta))
	require.NoError(t, pb.Unshift(NewXmlElement("br")))
	exchange(t, a, b)

	assert.Equal(t, fragment(t, a, "xml").String(), fragment(t, b, "xml").String())
	assert.Equal(t, `<p align="right">from a<br></br></p>`, fragment(t, a, "xml").String())
}

func TestXmlHook(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	hook := NewXmlHook("chart")
	require.NoError(t, hook.Set("kind", "bar"))
	require.NoError(t, fragment(t, a, "xml").Push(hook))

	var target SharedType
	hook.Observe(func(e Event, _ *Transaction) { target = e.event().Target() })
	require.NoError(t, hook.Set("kind", "pie"))
	assert.Equal(t, SharedType(hook), target)

	exchange(t, a, b)
	got, ok := fragment(t, b, "xml").Get(0).(*XmlHook)
	require.True(t, ok)
	assert.Equal(t, "chart", got.HookName())
	v, _ := got.Get("kind")
	assert.Equal(t, "pie", v)
	assert.Equal(t, "", fragment(t, b, "xml").String())
}

func TestXmlEvents(t *testing.T) {
	d := newDocs(t, 1)[0]
	root := fragment(t, d, "xml")
	p := NewXmlElement("p")
	require.NoError(t, root.Push(p))

	var events []*XmlEvent
	root.ObserveDeep(func(es []Event, _ *Transaction) {
		for _, e := range es {
			events = append(events, e.(*XmlEvent))
		}
	})
	d.Transact(func(*Transaction) {
		require.NoError(t, p.SetAttribute("k", "v"))
		require.NoError(t, p.Push(NewXmlElement("b")))
	}, nil)
	require.Len(t, events, 1)
	assert.True(t, events[0].AttributesChanged.Contains("k"))
	assert.True(t, events[0].ChildListChanged)
	assert.Equal(t, []any{0}, events[0].Path())
}
