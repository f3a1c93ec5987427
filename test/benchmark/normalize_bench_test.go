// Package benchmark contains Go benchmarks for title normalization, wikitext
// conversion, title-index construction and lookups, measuring throughput and
// allocation behaviour.
package benchmark

import (
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/markup"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/normalize"
)

var sampleTitles = []string{
	"Paris",
	"new_york_City",
	"Mercury (disambiguation)",
	"AT&amp;T",
	"  List  of   minor planets:   1001–2000 ",
	"Ærøskøbing",
}

var sampleBodies = map[string]string{
	"short": "'''Paris''' is the capital of [[France]].",
	"medium": `{{Infobox settlement|name=Paris|country=France}}
'''Paris''' is the [[capital city|capital]] and most populous city of [[France]].
With an estimated population of 2,102,650 residents, it is the centre of the
[[Île-de-France]] region.<ref>{{cite web|url=https://insee.fr}}</ref>

== History ==
The [[Parisii]] inhabited the area from around the middle of the 3rd century BC.
{| class="wikitable"
|-
| 1 || 2
|}
* [[Roman Paris|Lutetia]]
* [[Merovingian dynasty|Merovingians]]`,
	"long": strings.Repeat("The [[Seine]] flows through the city. {{convert|13|km|mi}} of banks are listed.\n", 200),
}

func BenchmarkTitle(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		for _, t := range sampleTitles {
			_ = normalize.Title(t)
		}
	}
}

func BenchmarkBody(b *testing.B) {
	for name, text := range sampleBodies {
		b.Run(name, func(b *testing.B) {
			rec := markup.PageRecord{Title: "Paris", RawBody: []byte(text)}
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				if _, err := normalize.Body(rec); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkBodyParallel(b *testing.B) {
	rec := markup.PageRecord{Title: "Paris", RawBody: []byte(sampleBodies["medium"])}
	b.ReportAllocs()
	b.SetBytes(int64(len(rec.RawBody)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = normalize.Body(rec)
		}
	})
}
