package source

import "testing"

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"table", KindTable, false},
		{"Model", KindModel, false},
		{"plain", KindPlain, false},
		{"csv", KindCsv, false},
		{"csv_file", KindCsvFile, false},
		{"service", KindService, false},
		{"ldap", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(Defaults()...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	c, ok := r.Get("fe_users")
	if !ok || c.Kind != KindTable {
		t.Errorf("Get(fe_users) = %+v, %v", c, ok)
	}

	c, ok = r.Get("tx_mail_domain_model_group:12")
	if !ok {
		t.Fatal("Get(group identifier) not found")
	}
	if c.GroupUID != 12 || !c.Kind.IsList() {
		t.Errorf("group configuration = %+v", c)
	}

	if _, ok := r.Get("unknown"); ok {
		t.Error("Get(unknown) should fail")
	}

	all := r.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].Identifier > all[i].Identifier {
			t.Errorf("All() not ordered: %s before %s", all[i-1].Identifier, all[i].Identifier)
		}
	}
}

func TestNewRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfgs []Configuration
	}{
		{"duplicate", []Configuration{
			{Identifier: "a", Kind: KindTable, Table: "a"},
			{Identifier: "a", Kind: KindTable, Table: "a"},
		}},
		{"group uid on table", []Configuration{{Identifier: "a", Kind: KindTable, Table: "a", GroupUID: 3}}},
		{"missing table", []Configuration{{Identifier: "a", Kind: KindModel}}},
		{"missing identifier", []Configuration{{Kind: KindService}}},
		{"dash in identifier", []Configuration{{Identifier: "crm-users", Kind: KindService}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.cfgs...); err == nil {
				t.Error("NewRegistry() expected error")
			}
		})
	}
}

func TestParseGroupIdentifier(t *testing.T) {
	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"tx_mail_domain_model_group:5", 5, true},
		{"tx_mail_domain_model_group:x", 0, false},
		{"tx_mail_domain_model_group:-1", 0, false},
		{"tt_address", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseGroupIdentifier(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseGroupIdentifier(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
