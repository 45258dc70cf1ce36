package main

import (
	"fmt"

	"github.com/sanity-io/litter"

	"github.com/kevinxiao27/ycrdt/crdt"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func exchange(from, to *crdt.Doc) {
	update, err := crdt.EncodeStateAsUpdate(from, crdt.EncodeStateVector(to))
	must(err)
	must(crdt.ApplyUpdate(to, update, "demo"))
}

func main() {
	doc1 := crdt.NewDoc(crdt.WithClientID(1))
	doc2 := crdt.NewDoc(crdt.WithClientID(2))
	defer doc1.Destroy()
	defer doc2.Destroy()

	text1, err := doc1.GetText("text")
	must(err)
	text2, err := doc2.GetText("text")
	must(err)
	must(text1.Insert(0, "hi", nil))
	must(text2.Insert(0, "yoooo", crdt.Attributes{"bold": true}))

	meta, err := doc1.GetMap("meta")
	must(err)
	must(meta.Set("author", "a"))

	exchange(doc1, doc2)
	exchange(doc2, doc1)

	fmt.Printf("Result: '%s'\n", text1.String())
	fmt.Printf("Result: '%s'\n", text2.String())

	if text1.String() == text2.String() {
		fmt.Println("Replicas converged")
	} else {
		fmt.Println("Replicas differ")
	}

	litter.Config.HidePrivateFields = false
	litter.Dump(text1.ToDelta())
	litter.Dump(doc1.ToJSON())
}
