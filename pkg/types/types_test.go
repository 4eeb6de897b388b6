package types

import (
	"reflect"
	"testing"
)

func TestParseTypeRoundTrip(t *testing.T) {
	names := []string{
		"tinyint", "smallint", "int", "bigint", "float", "double",
		"boolean", "string", "binary", "date", "datetime", "timestamp",
		"decimal(18,6)", "char(10)", "varchar(255)",
		"array<bigint>", "map<string,double>",
		"struct<name:string,score:double>",
		"array<map<string,array<int>>>",
	}
	for _, name := range names {
		dt, err := ParseType(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if dt.String() != name {
			t.Fatalf("parse %q stringified to %q", name, dt.String())
		}
	}
}

func TestParseTypeStructure(t *testing.T) {
	dt, err := ParseType("map<string,array<decimal(10,2)>>")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, ok := dt.(MapType)
	if !ok {
		t.Fatalf("got %T", dt)
	}
	if m.Key.Kind() != KindString {
		t.Fatalf("key kind = %v", m.Key.Kind())
	}
	a, ok := m.Value.(ArrayType)
	if !ok {
		t.Fatalf("value = %T", m.Value)
	}
	d, ok := a.Element.(DecimalType)
	if !ok || d.Precision != 10 || d.Scale != 2 {
		t.Fatalf("element = %#v", a.Element)
	}
}

func TestParseTypeRejects(t *testing.T) {
	bad := []string{
		"", "bogus", "array<", "array<bogus>", "map<string>",
		"decimal(1", "char()", "struct<name>", "bigint trailing",
	}
	for _, name := range bad {
		if _, err := ParseType(name); err == nil {
			t.Errorf("parse %q: expected error", name)
		}
	}
}

func TestTypeEqual(t *testing.T) {
	cases := []struct {
		a, b  DataType
		equal bool
	}{
		{Bigint, Bigint, true},
		{Bigint, Int, false},
		{DecimalType{18, 6}, DecimalType{18, 6}, true},
		{DecimalType{18, 6}, DecimalType{18, 2}, false},
		{ArrayType{Element: Bigint}, ArrayType{Element: Bigint}, true},
		{ArrayType{Element: Bigint}, ArrayType{Element: String}, false},
		{MapType{Key: String, Value: Bigint}, MapType{Key: String, Value: Bigint}, true},
	}
	for _, tc := range cases {
		if got := TypeEqual(tc.a, tc.b); got != tc.equal {
			t.Errorf("TypeEqual(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.equal)
		}
	}
}

func testSchema() *Schema {
	return &Schema{
		Columns: []Column{
			{Name: "id", Type: Bigint},
			{Name: "name", Type: String},
			{Name: "score", Type: Double},
		},
		Partitions: []Column{
			{Name: "ds", Type: String},
		},
	}
}

func TestSchemaLookup(t *testing.T) {
	s := testSchema()
	if got := s.FieldIndex("name"); got != 1 {
		t.Fatalf("FieldIndex(name) = %d", got)
	}
	if got := s.FieldIndex("missing"); got != -1 {
		t.Fatalf("FieldIndex(missing) = %d", got)
	}
	if !s.IsPartition("ds") || s.IsPartition("id") {
		t.Fatal("partition classification wrong")
	}
	col, ok := s.Column("ds")
	if !ok || col.Type != String {
		t.Fatalf("Column(ds) = %+v, %v", col, ok)
	}
}

func TestSchemaProject(t *testing.T) {
	s := testSchema()
	cols, err := s.Project([]string{"score", "id"})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	names := []string{cols[0].Name, cols[1].Name}
	if !reflect.DeepEqual(names, []string{"score", "id"}) {
		t.Fatalf("projected order = %v", names)
	}
	if _, err := s.Project([]string{"missing"}); err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestResolvedColumns(t *testing.T) {
	s := testSchema()
	if got := len(s.ResolvedColumns(false)); got != 3 {
		t.Fatalf("without partitions = %d columns", got)
	}
	with := s.ResolvedColumns(true)
	if len(with) != 4 || with[3].Name != "ds" {
		t.Fatalf("with partitions = %v", with)
	}
}

func TestRecordByName(t *testing.T) {
	rec := NewRecord(testSchema().Columns)
	if err := rec.SetByName("name", "alice"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok := rec.GetByName("name")
	if !ok || v != "alice" {
		t.Fatalf("get = %v, %v", v, ok)
	}
	if err := rec.SetByName("missing", 1); err == nil {
		t.Fatal("expected error for unknown column")
	}
	if _, ok := rec.GetByName("missing"); ok {
		t.Fatal("unknown column reported present")
	}
}
