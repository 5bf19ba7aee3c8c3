package capture

// instrumentationScript runs before any page script. It records every resource URL assigned through src/href
// setters, setAttribute or document.write together with the script URLs on the call stack at that moment.
const instrumentationScript = `(() => {
  if (window.__rsCreations) return;
  const records = [];
  Object.defineProperty(window, '__rsCreations', { value: records, enumerable: false });

  const typeOf = (el) => {
    switch (String(el.tagName || '').toLowerCase()) {
      case 'script': return 'script';
      case 'link': return /stylesheet/i.test(el.rel || '') ? 'stylesheet' : 'other';
      case 'img': return 'image';
      case 'iframe': case 'frame': return 'document';
      case 'video': case 'audio': case 'source': return 'media';
      case 'embed': case 'object': return 'other';
      default: return '';
    }
  };
  const creators = () => {
    const stack = String(new Error().stack || '');
    const re = /(https?:\/\/[^\s()]+?):\d+:\d+/g;
    const urls = [];
    let m;
    while ((m = re.exec(stack)) !== null) {
      if (!urls.includes(m[1])) urls.push(m[1]);
    }
    return urls;
  };
  const record = (el, value) => {
    try {
      const type = typeOf(el);
      if (!type || !value) return;
      const url = new URL(String(value), document.baseURI).href;
      records.push({ url: url, type: type, creators: creators(), ts: performance.now() });
    } catch (e) {}
  };

  const hook = (proto, prop) => {
    if (!proto) return;
    const desc = Object.getOwnPropertyDescriptor(proto, prop);
    if (!desc || !desc.set) return;
    Object.defineProperty(proto, prop, Object.assign({}, desc, {
      set(v) { record(this, v); return desc.set.call(this, v); },
    }));
  };
  hook(window.HTMLScriptElement && HTMLScriptElement.prototype, 'src');
  hook(window.HTMLImageElement && HTMLImageElement.prototype, 'src');
  hook(window.HTMLIFrameElement && HTMLIFrameElement.prototype, 'src');
  hook(window.HTMLMediaElement && HTMLMediaElement.prototype, 'src');
  hook(window.HTMLSourceElement && HTMLSourceElement.prototype, 'src');
  hook(window.HTMLEmbedElement && HTMLEmbedElement.prototype, 'src');
  hook(window.HTMLLinkElement && HTMLLinkElement.prototype, 'href');

  const setAttribute = Element.prototype.setAttribute;
  Element.prototype.setAttribute = function (name, value) {
    const n = String(name).toLowerCase();
    if (n === 'src' || n === 'href') record(this, value);
    return setAttribute.apply(this, arguments);
  };

  const write = Document.prototype.write;
  Document.prototype.write = function () {
    const html = Array.prototype.join.call(arguments, '');
    const re = /<(script|img|iframe|link|video|audio|source)\b[^>]*?\b(?:src|href)\s*=\s*["']?([^"'\s>]+)/gi;
    let m;
    while ((m = re.exec(html)) !== null) {
      record({ tagName: m[1], rel: /stylesheet/i.test(m[0]) ? 'stylesheet' : '' }, m[2]);
    }
    return write.apply(this, arguments);
  };
})();`

const creationsExpression = `Array.from(window.__rsCreations || [])`

// domResourcesExpression lists script and stylesheet elements currently in the DOM with their integrity
// attribute.
const domResourcesExpression = `(() => {
  const out = [];
  document.querySelectorAll('script[src]').forEach((el) => {
    out.push({ url: el.src, type: 'script', integrity: el.getAttribute('integrity') || '' });
  });
  document.querySelectorAll('link[rel~="stylesheet" i][href]').forEach((el) => {
    out.push({ url: el.href, type: 'stylesheet', integrity: el.getAttribute('integrity') || '' });
  });
  return out;
})()`
