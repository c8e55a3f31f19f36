package parser

import (
	"fmt"
	"io"

	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// Схемы исходных файлов MedGen/UMLS RRF.
// Источник: https://www.ncbi.nlm.nih.gov/books/NBK9685/
const (
	mrconsoFields = 18 // CUI|LAT|TS|LUI|STT|SUI|ISPREF|AUI|SAUI|SCUI|SDUI|SAB|TTY|CODE|STR|SRL|SUPPRESS|CVF
	mrstyFields   = 6  // CUI|TUI|STN|STY|ATUI|CVF
	mgdefFields   = 4  // CUI|DEF|source|SUPPRESS
	mrrelFields   = 16 // CUI1|AUI1|STYPE1|REL|CUI2|AUI2|STYPE2|RELA|RUI|SRUI|SAB|SL|RG|DIR|SUPPRESS|CVF
	mrsatFields   = 13 // CUI|LUI|SUI|METAUI|STYPE|CODE|ATUI|SATUI|ATN|SAB|ATV|SUPPRESS|CVF
	hpoFields     = 6  // CUI	SDUI	HPO_STR	MedGen_Str	MedGen_Str_SAB	STY
)

// Индексы интересующих полей MRCONSO
const (
	mrconsoCui      = 0
	mrconsoTs       = 2
	mrconsoStt      = 4
	mrconsoIspref   = 6
	mrconsoSab      = 11
	mrconsoTty      = 12
	mrconsoStr      = 14
	mrconsoSuppress = 16
)

// NewConceptsReader читает MRCONSO.RRF и оставляет только предпочтительные
// атомы (TS=P, STT=PF, ISPREF=Y) - по одной строке на CUI.
// Колонка definition остаётся NULL: определения живут в датасете definitions.
func NewConceptsReader(r io.Reader, maxErrors int) medgen.RecordReader {
	return newDelimitedReader(r, "MRCONSO.RRF", "|", mrconsoFields, maxErrors, false,
		func(f []string, raw string) (medgen.Record, bool) {
			if f[mrconsoTs] != "P" || f[mrconsoStt] != "PF" || f[mrconsoIspref] != "Y" {
				return medgen.Record{}, false
			}
			return medgen.Record{
				Values: []*string{
					medgen.Str(f[mrconsoCui]),
					medgen.Str(f[mrconsoStr]),
					nil, // definition
				},
				Raw: raw,
			}, true
		})
}

// NewNamesReader читает MRCONSO.RRF целиком: каждый атом становится
// синонимом или вариантом термина.
func NewNamesReader(r io.Reader, maxErrors int) medgen.RecordReader {
	return newDelimitedReader(r, "MRCONSO.RRF", "|", mrconsoFields, maxErrors, false,
		func(f []string, raw string) (medgen.Record, bool) {
			return medgen.Record{
				Values: []*string{
					medgen.Str(f[mrconsoCui]),
					medgen.Str(f[mrconsoStr]),
					medgen.Str(f[mrconsoSab]),
					medgen.Str(f[mrconsoTty]),
					medgen.Str(f[mrconsoSuppress]),
				},
				Raw: raw,
			}, true
		})
}

// NewSemanticTypesReader читает MRSTY.RRF
func NewSemanticTypesReader(r io.Reader, maxErrors int) medgen.RecordReader {
	return newDelimitedReader(r, "MRSTY.RRF", "|", mrstyFields, maxErrors, false,
		func(f []string, raw string) (medgen.Record, bool) {
			return medgen.Record{
				Values: []*string{
					medgen.Str(f[0]), // cui
					medgen.Str(f[3]), // sty
					medgen.Str(f[1]), // tui
					medgen.Str(f[2]), // stn
				},
				Raw: raw,
			}, true
		})
}

// NewDefinitionsReader читает MGDEF.RRF
func NewDefinitionsReader(r io.Reader, maxErrors int) medgen.RecordReader {
	return newDelimitedReader(r, "MGDEF.RRF", "|", mgdefFields, maxErrors, true,
		func(f []string, raw string) (medgen.Record, bool) {
			return medgen.Record{
				Values: []*string{
					medgen.Str(f[0]), // cui
					medgen.Str(f[2]), // source
					medgen.Str(f[1]), // definition
					medgen.Str(f[3]), // suppress
				},
				Raw: raw,
			}, true
		})
}

// NewRelationshipsReader читает MRREL.RRF
func NewRelationshipsReader(r io.Reader, maxErrors int) medgen.RecordReader {
	return newDelimitedReader(r, "MRREL.RRF", "|", mrrelFields, maxErrors, false,
		func(f []string, raw string) (medgen.Record, bool) {
			return medgen.Record{
				Values: []*string{
					medgen.Str(f[0]),  // cui1
					medgen.Str(f[3]),  // relationship (REL)
					medgen.Str(f[4]),  // cui2
					medgen.Str(f[10]), // source (SAB)
					medgen.Str(f[7]),  // rela
					medgen.Str(f[14]), // suppress
				},
				Raw: raw,
			}, true
		})
}

// NewSourceLinksReader читает MRSAT.RRF. Идентификатором внутри источника
// служит ATUI - он уникален в пределах выпуска.
func NewSourceLinksReader(r io.Reader, maxErrors int) medgen.RecordReader {
	return newDelimitedReader(r, "MRSAT.RRF", "|", mrsatFields, maxErrors, false,
		func(f []string, raw string) (medgen.Record, bool) {
			return medgen.Record{
				Values: []*string{
					medgen.Str(f[0]),  // cui
					medgen.Str(f[9]),  // source (SAB)
					medgen.Str(f[6]),  // source_id (ATUI)
					medgen.Str(f[8]),  // attribute_name (ATN)
					medgen.Str(f[10]), // attribute_value (ATV)
					medgen.Str(f[11]), // suppress
				},
				Raw: raw,
			}, true
		})
}

// NewHpoMappingReader читает MedGen_HPO_Mapping.txt.gz (tab-delimited,
// строка заголовка начинается с '#')
func NewHpoMappingReader(r io.Reader, maxErrors int) medgen.RecordReader {
	return newDelimitedReader(r, "MedGen_HPO_Mapping.txt", "\t", hpoFields, maxErrors, true,
		func(f []string, raw string) (medgen.Record, bool) {
			return medgen.Record{
				Values: []*string{
					medgen.Str(f[0]), // cui
					medgen.Str(f[1]), // sdui
					medgen.Str(f[2]), // hpo_str
					medgen.Str(f[3]), // medgen_str
					medgen.Str(f[4]), // medgen_str_sab
					medgen.Str(f[5]), // sty
				},
				Raw: raw,
			}, true
		})
}

// NewDatasetReader возвращает ридер записей для датасета
func NewDatasetReader(ds medgen.Dataset, r io.Reader, maxErrors int) (medgen.RecordReader, error) {
	switch ds.Name {
	case "concepts":
		return NewConceptsReader(r, maxErrors), nil
	case "names":
		return NewNamesReader(r, maxErrors), nil
	case "semantic_types":
		return NewSemanticTypesReader(r, maxErrors), nil
	case "definitions":
		return NewDefinitionsReader(r, maxErrors), nil
	case "relationships":
		return NewRelationshipsReader(r, maxErrors), nil
	case "source_links":
		return NewSourceLinksReader(r, maxErrors), nil
	case "hpo_mapping":
		return NewHpoMappingReader(r, maxErrors), nil
	default:
		return nil, fmt.Errorf("no parser registered for dataset %q", ds.Name)
	}
}
