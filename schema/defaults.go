package schema

import "sync"

// Root block ids.
const (
	CourseRootType  = "course"
	CourseRootID    = "course"
	LibraryRootType = "library"
	LibraryRootID   = "library"
)

func settings(name string, t FieldType) FieldSpec {
	return FieldSpec{Name: name, Type: t, Scope: ScopeSettings}
}

func inheritable(name string, t FieldType, def any) FieldSpec {
	return FieldSpec{Name: name, Type: t, Scope: ScopeSettings, Inheritable: true, Default: def}
}

func content(name string, t FieldType) FieldSpec {
	return FieldSpec{Name: name, Type: t, Scope: ScopeContent}
}

// DefaultDocument is the built-in block type table.
func DefaultDocument() Document {
	return Document{
		Common: []FieldSpec{
			settings("display_name", TypeString),
			settings("xml_attributes", TypeDict),
			inheritable("start", TypeDate, "2030-01-01T00:00:00Z"),
			inheritable("due", TypeDate, nil),
			inheritable("graded", TypeBoolean, false),
			inheritable("graceperiod", TypeTimedelta, nil),
			inheritable("visible_to_staff_only", TypeBoolean, false),
			inheritable("group_access", TypeDict, nil),
			inheritable("showanswer", TypeString, "finished"),
			inheritable("show_correctness", TypeString, "always"),
			inheritable("rerandomize", TypeString, "never"),
			inheritable("max_attempts", TypeInteger, nil),
			inheritable("days_early_for_beta", TypeFloat, nil),
			inheritable("static_asset_path", TypeString, ""),
			inheritable("use_latex_compiler", TypeBoolean, false),
			inheritable("hide_after_due", TypeBoolean, false),
			inheritable("self_paced", TypeBoolean, false),
			inheritable("show_reset_button", TypeBoolean, false),
			inheritable("due_date_display_format", TypeString, nil),
			inheritable("course_edit_method", TypeString, "Studio"),
			inheritable("giturl", TypeString, nil),
		},
		Types: []*BlockType{
			{
				Name: CourseRootType, DirectOnly: true, HasChildren: true, Root: true,
				Fields: []FieldSpec{
					settings("grading_policy", TypeDict),
					settings("advanced_modules", TypeList),
					settings("tabs", TypeList),
					settings("end", TypeDate),
					settings("enrollment_start", TypeDate),
					settings("enrollment_end", TypeDate),
					settings("wiki_slug", TypeString),
					settings("catalog_visibility", TypeString),
					content("syllabus_present", TypeBoolean),
				},
			},
			{
				Name: LibraryRootType, HasChildren: true, Root: true,
				Fields: []FieldSpec{
					settings("advanced_modules", TypeList),
				},
			},
			{Name: "chapter", DirectOnly: true, HasChildren: true},
			{
				Name: "sequential", DirectOnly: true, HasChildren: true,
				Fields: []FieldSpec{
					settings("format", TypeString),
					settings("is_time_limited", TypeBoolean),
					settings("default_time_limit_minutes", TypeInteger),
				},
			},
			{Name: "vertical", Draftable: true, HasChildren: true},
			{
				Name: "problem", Draftable: true,
				Fields: []FieldSpec{
					content("data", TypeString),
					settings("markdown", TypeString),
					settings("weight", TypeFloat),
				},
			},
			{
				Name: "html", Draftable: true,
				Fields: []FieldSpec{
					content("data", TypeString),
					settings("editor", TypeString),
				},
			},
			{
				Name: "video", Draftable: true,
				Fields: []FieldSpec{
					settings("youtube_id_1_0", TypeString),
					settings("html5_sources", TypeList),
					settings("transcripts", TypeDict),
				},
			},
			{
				Name: "discussion", Draftable: true,
				Fields: []FieldSpec{
					settings("discussion_category", TypeString),
					settings("discussion_target", TypeString),
				},
			},
			{
				Name: "library_content", Draftable: true, HasChildren: true,
				Fields: []FieldSpec{
					settings("source_library_id", TypeString),
					settings("source_library_version", TypeString),
					settings("max_count", TypeInteger),
					settings("capa_type", TypeString),
				},
			},
			{Name: "split_test", Draftable: true, HasChildren: true},
			{
				Name: "about", DirectOnly: true, Detached: true, IDStrategy: IDSerial,
				Fields: []FieldSpec{content("data", TypeString)},
			},
			{
				Name: "static_tab", DirectOnly: true, Detached: true, IDStrategy: IDContent,
				Fields: []FieldSpec{content("data", TypeString)},
			},
			{
				Name: "course_info", DirectOnly: true, Detached: true, IDStrategy: IDSerial,
				Fields: []FieldSpec{
					content("data", TypeString),
					content("items", TypeList),
				},
			},
		},
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry built from DefaultDocument.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := New(DefaultDocument())
		if err != nil {
			panic("schema: built-in table is invalid: " + err.Error())
		}
		defaultRegistry = r
	})
	return defaultRegistry
}
