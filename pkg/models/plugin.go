package models

// PluginCodeType selects how a plugin entry file is loaded.
type PluginCodeType string

const (
	// CodeTypeScript is a legacy single-file plugin evaluated as a script.
	CodeTypeScript PluginCodeType = "script"
	// CodeTypeModule is an ES module entry allowing multi-file layouts.
	CodeTypeModule PluginCodeType = "module"
)

// ConfigSchemaItem describes one configurable field of a plugin.
type ConfigSchemaItem struct {
	Key         string         `json:"key"`
	FieldType   string         `json:"type"` // string, number, boolean, select, array
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	Default     any            `json:"default,omitempty"`
	Options     []SelectOption `json:"options,omitempty"`
	ItemType    string         `json:"itemType,omitempty"`
	Min         *float64       `json:"min,omitempty"`
	Max         *float64       `json:"max,omitempty"`
}

// SelectOption is one choice of a select schema field.
type SelectOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// PluginManifest is the parsed manifest.json of an installed plugin.
type PluginManifest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Author      string         `json:"author"`
	Description string         `json:"description"`
	Entry       string         `json:"entry"`
	CodeType    PluginCodeType `json:"codeType"`
	Permissions []string       `json:"permissions,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	Builtin     bool           `json:"builtin,omitempty"`
	Commands    []string       `json:"commands,omitempty"`

	ConfigSchema []ConfigSchemaItem `json:"configSchema,omitempty"`
	Config       map[string]any     `json:"config,omitempty"`
}

// InstalledPlugin pairs a manifest with its on-disk location and state.
type InstalledPlugin struct {
	Manifest PluginManifest `json:"manifest"`
	Enabled  bool           `json:"enabled"`
	Path     string         `json:"path"`
}

// PluginOutputKind tags the variant of a PluginOutput.
type PluginOutputKind string

const (
	OutputReply        PluginOutputKind = "reply"
	OutputAPICall      PluginOutputKind = "api_call"
	OutputUpdateConfig PluginOutputKind = "update_config"
	OutputForward      PluginOutputKind = "forward"
	OutputLLMRequest   PluginOutputKind = "llm_request"
	OutputLLMForward   PluginOutputKind = "llm_forward"
	OutputGroupInfoReq PluginOutputKind = "group_info_request"
	OutputDownloadFile PluginOutputKind = "download_file"
	OutputLog          PluginOutputKind = "log"
)

// ForwardVariant selects how an analysis input is sourced and prepared.
type ForwardVariant string

const (
	ForwardText    ForwardVariant = "text"
	ForwardTextURL ForwardVariant = "text_url"
	ForwardArchive ForwardVariant = "archive_url"
	ForwardImage   ForwardVariant = "image_url"
	ForwardVideo   ForwardVariant = "video_url"
	ForwardAudio   ForwardVariant = "audio_url"
	ForwardBundle  ForwardVariant = "bundle"
)

// ForwardAttachment is one media item of a bundle analysis.
type ForwardAttachment struct {
	Kind     string `json:"kind"` // image, video, record, file
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
}

// LLMForwardRequest asks the runtime to analyze content with a model
// and forward the rendered report back to the conversation.
type LLMForwardRequest struct {
	Variant      ForwardVariant      `json:"variant"`
	Title        string              `json:"title,omitempty"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Content      string              `json:"content,omitempty"`
	URL          string              `json:"url,omitempty"`
	FileName     string              `json:"file_name,omitempty"`
	Keyword      string              `json:"keyword,omitempty"`
	Profile      string              `json:"profile,omitempty"`
	VideoMode    string              `json:"video_mode,omitempty"` // direct or frames
	MaxFrames    int                 `json:"max_frames,omitempty"`
	Attachments  []ForwardAttachment `json:"attachments,omitempty"`
	// RecordFile is the platform voice-message file reference. When set,
	// audio is retrieved via get_record (which converts silk and amr)
	// instead of a direct download.
	RecordFile string `json:"record_file,omitempty"`
	// RequireTranscript makes a missing audio transcript a hard error
	// for frames-mode video analysis.
	RequireTranscript bool `json:"require_transcript,omitempty"`
	// ForwardMediaTruncated notes that a merged forward carried more
	// attachments than the bundle keeps.
	ForwardMediaTruncated bool `json:"forward_media_truncated,omitempty"`
}

// PluginOutput is one effect a plugin hook asks the runtime to apply.
// Exactly the fields of the tagged kind are meaningful.
type PluginOutput struct {
	Kind PluginOutputKind `json:"kind"`

	// OutputReply
	Text string `json:"text,omitempty"`

	// OutputAPICall. Params also carries extra arguments for
	// OutputGroupInfoReq variants that need more than a group id.
	Action string         `json:"action,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	// OutputUpdateConfig
	ModuleID string         `json:"module_id,omitempty"`
	Config   map[string]any `json:"config,omitempty"`

	// OutputForward
	Nodes []map[string]any `json:"nodes,omitempty"`

	// OutputLLMRequest
	RequestID  string `json:"request_id,omitempty"`
	Model      string `json:"model,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	WithSearch bool   `json:"with_search,omitempty"`

	// OutputLLMForward
	Forward *LLMForwardRequest `json:"forward,omitempty"`

	// OutputGroupInfoReq. InfoType selects the platform query: group_info,
	// member_list, notice, msg_history, files, file_url, friend_list or
	// group_list. The answer arrives through onGroupInfoResponse tagged
	// with the same info_type.
	InfoType string `json:"info_type,omitempty"`
	GroupID  uint64 `json:"group_id,omitempty"`

	// OutputDownloadFile
	URL string `json:"url,omitempty"`

	// OutputLog
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// PluginOutputWithSource carries an output together with the plugin that
// produced it.
type PluginOutputWithSource struct {
	PluginID string       `json:"plugin_id"`
	Output   PluginOutput `json:"output"`
}

// HookResult is the aggregate of running one hook across plugins.
type HookResult struct {
	Allow   bool
	Outputs []PluginOutputWithSource
}
